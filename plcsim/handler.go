package plcsim

import (
	"bytes"
	"encoding/binary"
	"errors"
	"sort"
	"strings"

	"taglink/cip"
	"taglink/logging"
	"taglink/logix"
)

const (
	classMessageRouter     = 0x02
	classConnectionManager = 0x06

	// CIP statuses the simulator answers with besides those in cip.
	statusConnectionFailure = 0x01
	statusNotEnoughData     = 0x13
	statusAttrNotSupported  = 0x14
	statusTooMuchData       = 0x15
	statusEmbeddedFailure   = 0x1E
)

type segKind uint8

const (
	segSymbol segKind = iota
	segElement
	segClass
	segInstance
	segAttribute
)

type pathSeg struct {
	kind  segKind
	name  string
	value uint32
}

var errBadPath = errors.New("plcsim: bad path")

// parsePath decodes symbolic and logical segments.
func parsePath(b []byte) ([]pathSeg, error) {
	var out []pathSeg
	for i := 0; i < len(b); {
		t := b[i]
		if t == 0x91 {
			if i+2 > len(b) {
				return nil, errBadPath
			}
			n := int(b[i+1])
			if i+2+n > len(b) {
				return nil, errBadPath
			}
			out = append(out, pathSeg{kind: segSymbol, name: string(b[i+2 : i+2+n])})
			i += 2 + n + n%2
			continue
		}
		if t&0xE0 != 0x20 {
			return nil, errBadPath
		}
		var v uint32
		switch t & 0x03 {
		case 0:
			if i+2 > len(b) {
				return nil, errBadPath
			}
			v = uint32(b[i+1])
			i += 2
		case 1:
			if i+4 > len(b) {
				return nil, errBadPath
			}
			v = uint32(binary.LittleEndian.Uint16(b[i+2:]))
			i += 4
		case 2:
			if i+6 > len(b) {
				return nil, errBadPath
			}
			v = binary.LittleEndian.Uint32(b[i+2:])
			i += 6
		default:
			return nil, errBadPath
		}
		var kind segKind
		switch (t >> 2) & 0x07 {
		case 0:
			kind = segClass
		case 1:
			kind = segInstance
		case 2:
			kind = segElement
		case 4:
			kind = segAttribute
		default:
			return nil, errBadPath
		}
		out = append(out, pathSeg{kind: kind, value: v})
	}
	return out, nil
}

// object returns the class and instance of a logical path, if it is one.
func object(segs []pathSeg) (class, instance uint32, ok bool) {
	if len(segs) != 2 || segs[0].kind != segClass || segs[1].kind != segInstance {
		return 0, 0, false
	}
	return segs[0].value, segs[1].value, true
}

func reply(service, status byte, ext []uint16, data []byte) []byte {
	out := []byte{service | cip.ReplyFlag, 0, status, byte(len(ext))}
	for _, e := range ext {
		out = binary.LittleEndian.AppendUint16(out, e)
	}
	return append(out, data...)
}

func failReply(service byte, f *failure) []byte {
	return reply(service, f.status, f.ext, nil)
}

// handle executes one Message Router request. Unconnected Send is only
// honoured at the top level.
func (s *Server) handle(msg []byte, top bool) []byte {
	if len(msg) < 2 || 2+2*int(msg[1]) > len(msg) {
		return reply(0, cip.StatusPathSegment, nil, nil)
	}
	svc := msg[0]
	path := msg[2 : 2+2*int(msg[1])]
	data := msg[2+2*int(msg[1]):]

	s.mu.Lock()
	s.counts[svc]++
	s.mu.Unlock()

	segs, err := parsePath(path)
	if err != nil {
		return reply(svc, cip.StatusPathSegment, nil, nil)
	}
	logging.DebugLog("plcsim", "service 0x%02X path % X", svc, path)

	if class, inst, ok := object(segs); ok {
		switch {
		case class == classConnectionManager && inst == 1 && svc == cip.SvcUnconnectedSend && top:
			return s.unconnectedSend(data)
		case class == classMessageRouter && inst == 1 && svc == cip.SvcMultipleServicePacket:
			return s.multiple(data)
		case class == uint32(logix.ClassTemplate) && svc == cip.SvcGetAttributeList:
			return s.templateAttributes(uint16(inst), data)
		case class == uint32(logix.ClassTemplate) && svc == logix.SvcReadTag:
			return s.templateRead(uint16(inst), data)
		case class == uint32(logix.ClassSymbol) && svc == logix.SvcGetInstanceAttributeList:
			return s.browse("", inst)
		}
		return reply(svc, cip.StatusNotSupported, nil, nil)
	}

	switch svc {
	case cip.SvcGetAttributeList:
		return s.symbolAttributes(segs, data)
	case logix.SvcReadTag, logix.SvcReadTagFragmented:
		return s.readTag(svc, segs, data)
	case logix.SvcWriteTag, logix.SvcWriteTagFragmented:
		return s.writeTag(svc, segs, data)
	case logix.SvcReadModifyWriteTag:
		return s.readModifyWrite(segs, data)
	case logix.SvcGetInstanceAttributeList:
		// program-scoped browse: Program:X, class 0x6B, instance
		if len(segs) == 3 && segs[0].kind == segSymbol {
			if class, inst, ok := object(segs[1:]); ok && class == uint32(logix.ClassSymbol) {
				return s.browse(strings.TrimPrefix(segs[0].name, "Program:"), inst)
			}
		}
	}
	return reply(svc, cip.StatusNotSupported, nil, nil)
}

func (s *Server) unconnectedSend(data []byte) []byte {
	const svc = cip.SvcUnconnectedSend
	if len(data) < 4 {
		return reply(svc, statusNotEnoughData, nil, nil)
	}
	n := int(binary.LittleEndian.Uint16(data[2:]))
	if 4+n > len(data) {
		return reply(svc, statusNotEnoughData, nil, nil)
	}
	msg := data[4 : 4+n]
	rest := data[4+n+n%2:]
	if len(rest) < 2 || len(rest) < 2+2*int(rest[0]) {
		return reply(svc, statusNotEnoughData, nil, nil)
	}
	route := rest[2 : 2+2*int(rest[0])]
	if len(route) >= 2 && route[0] == 0x01 && route[1] != s.slot {
		// no module in that slot
		return reply(svc, statusConnectionFailure, []uint16{0x0311}, nil)
	}
	return s.handle(msg, false)
}

func (s *Server) multiple(data []byte) []byte {
	const svc = cip.SvcMultipleServicePacket
	if len(data) < 2 {
		return reply(svc, statusNotEnoughData, nil, nil)
	}
	count := int(binary.LittleEndian.Uint16(data))
	if len(data) < 2+2*count {
		return reply(svc, statusNotEnoughData, nil, nil)
	}
	offsets := make([]int, count+1)
	for i := 0; i < count; i++ {
		offsets[i] = int(binary.LittleEndian.Uint16(data[2+2*i:]))
	}
	offsets[count] = len(data)

	replies := make([][]byte, count)
	status := cip.StatusSuccess
	for i := 0; i < count; i++ {
		start, end := offsets[i], offsets[i+1]
		if start < 2+2*count || start > end || end > len(data) {
			return reply(svc, cip.StatusPathSegment, nil, nil)
		}
		r := s.handle(data[start:end], false)
		if r[2] != cip.StatusSuccess && r[2] != cip.StatusPartialTransfer {
			status = statusEmbeddedFailure
		}
		replies[i] = r
	}

	body := binary.LittleEndian.AppendUint16(nil, uint16(count))
	off := 2 + 2*count
	for _, r := range replies {
		body = binary.LittleEndian.AppendUint16(body, uint16(off))
		off += len(r)
	}
	for _, r := range replies {
		body = append(body, r...)
	}
	return reply(svc, status, nil, body)
}

// room is the data budget of one reply after a header of hdr bytes.
func (s *Server) room(hdr int) int {
	n := (s.maxReply - hdr) &^ 3
	if n < 4 {
		n = 4
	}
	return n
}

func (s *Server) readTag(svc byte, segs []pathSeg, data []byte) []byte {
	need := 2
	if svc == logix.SvcReadTagFragmented {
		need = 6
	}
	if len(data) < need {
		return reply(svc, statusNotEnoughData, nil, nil)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	v, f := s.resolve(segs)
	if f != nil {
		return failReply(svc, f)
	}
	count := int(binary.LittleEndian.Uint16(data))
	if count == 0 {
		count = 1
	}
	if count > v.elems || (v.bit >= 0 && count > 1) {
		return reply(svc, cip.StatusGeneralError, []uint16{logix.ExtStatusCountBeyondEnd}, nil)
	}
	raw := v.bytes(count)
	offset := 0
	if svc == logix.SvcReadTagFragmented {
		offset = int(binary.LittleEndian.Uint32(data[2:]))
		if offset > len(raw) {
			return reply(svc, cip.StatusGeneralError, []uint16{logix.ExtStatusOffsetBeyondEnd}, nil)
		}
	}

	typ := v.typeField()
	chunk, status := raw[offset:], cip.StatusSuccess
	if room := s.room(4 + len(typ)); len(chunk) > room {
		chunk, status = chunk[:room], cip.StatusPartialTransfer
	}
	return reply(svc, status, nil, append(typ, chunk...))
}

func (s *Server) writeTag(svc byte, segs []pathSeg, data []byte) []byte {
	if len(data) < 4 {
		return reply(svc, statusNotEnoughData, nil, nil)
	}
	typ := binary.LittleEndian.Uint16(data)
	p := 2
	var handle uint16
	if typ == logix.TypeStructHandle {
		handle = binary.LittleEndian.Uint16(data[2:])
		p = 4
	}
	if len(data) < p+2 {
		return reply(svc, statusNotEnoughData, nil, nil)
	}
	count := int(binary.LittleEndian.Uint16(data[p:]))
	p += 2
	offset := 0
	if svc == logix.SvcWriteTagFragmented {
		if len(data) < p+4 {
			return reply(svc, statusNotEnoughData, nil, nil)
		}
		offset = int(binary.LittleEndian.Uint32(data[p:]))
		p += 4
	}
	payload := data[p:]

	s.mu.Lock()
	defer s.mu.Unlock()
	v, f := s.resolve(segs)
	if f != nil {
		return failReply(svc, f)
	}

	if logix.IsStructure(v.code) {
		if typ != logix.TypeStructHandle || handle != v.tmpl.Handle {
			return reply(svc, cip.StatusGeneralError, []uint16{logix.ExtStatusTypeMismatch}, nil)
		}
	} else if logix.BaseType(typ) != v.code {
		return reply(svc, cip.StatusGeneralError, []uint16{logix.ExtStatusTypeMismatch}, nil)
	}
	if count == 0 || count > v.elems || (v.bit >= 0 && count > 1) {
		return reply(svc, cip.StatusGeneralError, []uint16{logix.ExtStatusCountBeyondEnd}, nil)
	}

	total := count * v.elemSize
	switch {
	case svc == logix.SvcWriteTag && len(payload) < total:
		return reply(svc, statusNotEnoughData, nil, nil)
	case svc == logix.SvcWriteTag && len(payload) > total:
		return reply(svc, statusTooMuchData, nil, nil)
	case offset+len(payload) > total:
		return reply(svc, statusTooMuchData, nil, nil)
	}

	if v.bit >= 0 {
		if payload[0] != 0 {
			v.tag.data[v.off] |= 1 << v.bit
		} else {
			v.tag.data[v.off] &^= 1 << v.bit
		}
	} else {
		copy(v.tag.data[v.off+offset:], payload)
	}
	return reply(svc, cip.StatusSuccess, nil, nil)
}

func (s *Server) readModifyWrite(segs []pathSeg, data []byte) []byte {
	const svc = logix.SvcReadModifyWriteTag
	if len(data) < 2 {
		return reply(svc, statusNotEnoughData, nil, nil)
	}
	size := int(binary.LittleEndian.Uint16(data))
	if len(data) != 2+2*size {
		return reply(svc, statusNotEnoughData, nil, nil)
	}
	orMask, andMask := data[2:2+size], data[2+size:]

	s.mu.Lock()
	defer s.mu.Unlock()
	v, f := s.resolve(segs)
	if f != nil {
		return failReply(svc, f)
	}
	if !logix.IsInteger(v.code) || v.bit >= 0 || v.dims != nil || v.elemSize != size {
		return reply(svc, cip.StatusGeneralError, []uint16{logix.ExtStatusTypeMismatch}, nil)
	}
	for i := 0; i < size; i++ {
		b := &v.tag.data[v.off+i]
		*b = (*b | orMask[i]) & andMask[i]
	}
	return reply(svc, cip.StatusSuccess, nil, nil)
}

// attrIDs decodes a Get Attribute List request body.
func attrIDs(data []byte) ([]uint16, bool) {
	if len(data) < 2 {
		return nil, false
	}
	n := int(binary.LittleEndian.Uint16(data))
	if len(data) < 2+2*n {
		return nil, false
	}
	ids := make([]uint16, n)
	for i := range ids {
		ids[i] = binary.LittleEndian.Uint16(data[2+2*i:])
	}
	return ids, true
}

func (s *Server) symbolAttributes(segs []pathSeg, data []byte) []byte {
	const svc = cip.SvcGetAttributeList
	ids, ok := attrIDs(data)
	if !ok {
		return reply(svc, statusNotEnoughData, nil, nil)
	}
	for _, seg := range segs {
		if seg.kind != segSymbol {
			return reply(svc, cip.StatusPathSegment, nil, nil)
		}
	}
	if len(segs) > 2 || (len(segs) == 2 && !strings.HasPrefix(strings.ToLower(segs[0].name), "program:")) {
		return reply(svc, cip.StatusPathSegment, nil, nil)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	v, f := s.resolve(segs)
	if f != nil {
		return failReply(svc, f)
	}
	t := v.tag

	body := binary.LittleEndian.AppendUint16(nil, uint16(len(ids)))
	for _, id := range ids {
		body = binary.LittleEndian.AppendUint16(body, id)
		switch id {
		case 2:
			code := t.typ | uint16(len(t.dims))<<13
			body = binary.LittleEndian.AppendUint16(body, 0)
			body = binary.LittleEndian.AppendUint16(body, code)
		case 8:
			body = binary.LittleEndian.AppendUint16(body, 0)
			for d := 0; d < 3; d++ {
				n := uint32(0)
				if d < len(t.dims) {
					n = uint32(t.dims[d])
				}
				body = binary.LittleEndian.AppendUint32(body, n)
			}
		default:
			body = binary.LittleEndian.AppendUint16(body, statusAttrNotSupported)
		}
	}
	return reply(svc, cip.StatusSuccess, nil, body)
}

func (s *Server) template(id uint16) (*logix.Template, []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.templates[id]
	if !ok {
		return nil, nil
	}
	return t, t.Definition()
}

func (s *Server) templateAttributes(id uint16, data []byte) []byte {
	const svc = cip.SvcGetAttributeList
	ids, ok := attrIDs(data)
	if !ok {
		return reply(svc, statusNotEnoughData, nil, nil)
	}
	t, def := s.template(id)
	if t == nil {
		return reply(svc, cip.StatusObjectNotExist, nil, nil)
	}

	body := binary.LittleEndian.AppendUint16(nil, uint16(len(ids)))
	for _, a := range ids {
		body = binary.LittleEndian.AppendUint16(body, a)
		switch a {
		case 1:
			body = binary.LittleEndian.AppendUint16(body, 0)
			body = binary.LittleEndian.AppendUint16(body, t.Handle)
		case 2:
			body = binary.LittleEndian.AppendUint16(body, 0)
			body = binary.LittleEndian.AppendUint16(body, uint16(len(t.Members)))
		case 4:
			body = binary.LittleEndian.AppendUint16(body, 0)
			body = binary.LittleEndian.AppendUint32(body, logix.DefinitionWords(def))
		case 5:
			body = binary.LittleEndian.AppendUint16(body, 0)
			body = binary.LittleEndian.AppendUint32(body, t.Size)
		default:
			body = binary.LittleEndian.AppendUint16(body, statusAttrNotSupported)
		}
	}
	return reply(svc, cip.StatusSuccess, nil, body)
}

func (s *Server) templateRead(id uint16, data []byte) []byte {
	const svc = logix.SvcReadTag
	if len(data) < 6 {
		return reply(svc, statusNotEnoughData, nil, nil)
	}
	t, def := s.template(id)
	if t == nil {
		return reply(svc, cip.StatusObjectNotExist, nil, nil)
	}
	offset := int(binary.LittleEndian.Uint32(data))
	length := int(binary.LittleEndian.Uint16(data[4:]))
	// the definition is served zero padded to whole words
	padded := append(def, bytes.Repeat([]byte{0}, 8)...)
	if offset+length > len(padded) {
		return reply(svc, cip.StatusGeneralError, []uint16{logix.ExtStatusOffsetBeyondEnd}, nil)
	}
	chunk, status := padded[offset:offset+length], cip.StatusSuccess
	if room := s.room(4); len(chunk) > room {
		chunk, status = chunk[:room], cip.StatusPartialTransfer
	}
	return reply(svc, status, nil, chunk)
}

type browseEntry struct {
	instance uint32
	name     string
	typ      uint16
}

func (s *Server) browse(prog string, start uint32) []byte {
	const svc = logix.SvcGetInstanceAttributeList
	s.mu.Lock()
	var entries []browseEntry
	for _, t := range s.order {
		if !strings.EqualFold(t.program, prog) {
			continue
		}
		entries = append(entries, browseEntry{t.instance, t.name, t.typ | uint16(len(t.dims))<<13})
	}
	if prog == "" {
		for _, p := range s.progNames {
			entries = append(entries, browseEntry{p.instance, "Program:" + p.name, 0x1068})
		}
	}
	s.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].instance < entries[j].instance })

	var body []byte
	room := s.room(4)
	status := cip.StatusSuccess
	for _, e := range entries {
		if e.instance < start {
			continue
		}
		rec := binary.LittleEndian.AppendUint32(nil, e.instance)
		rec = binary.LittleEndian.AppendUint16(rec, uint16(len(e.name)))
		rec = append(rec, e.name...)
		rec = binary.LittleEndian.AppendUint16(rec, e.typ)
		if len(body)+len(rec) > room {
			status = cip.StatusPartialTransfer
			break
		}
		body = append(body, rec...)
	}
	return reply(svc, status, nil, body)
}
