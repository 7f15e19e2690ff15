package logix

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"taglink/cip"
	"taglink/eip"
	"taglink/logging"
)

// Sender carries one unconnected CPF exchange. *eip.Session implements it.
type Sender interface {
	Send(ctx context.Context, packet eip.CommonPacket) (*eip.CommonPacket, error)
}

// Client issues Logix tag services over a Sender.
type Client struct {
	sender Sender
	route  []byte

	tmplMu    sync.Mutex
	templates map[uint16]*Template
}

// Option configures a Client.
type Option func(*Client)

// WithSlot routes every request through the backplane to the CPU in slot.
func WithSlot(slot byte) Option {
	return func(c *Client) { c.route = cip.BackplaneRoute(slot) }
}

// WithRoutePath routes every request along an explicit port/link path.
func WithRoutePath(path []byte) Option {
	return func(c *Client) { c.route = append([]byte(nil), path...) }
}

// NewClient creates a client. Without routing options requests go directly
// to the connected module, as for CompactLogix.
func NewClient(s Sender, opts ...Option) *Client {
	c := &Client{sender: s, templates: make(map[uint16]*Template)}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Route returns the Unconnected Send route, nil for direct messaging.
func (c *Client) Route() []byte { return c.route }

// Exchange sends one request and returns its response. CIP error statuses
// other than partial transfer come back as *cip.StatusError.
func (c *Client) Exchange(ctx context.Context, req cip.Request) (*cip.Response, error) {
	raw, err := c.exchangeRaw(ctx, req.Marshal())
	if err != nil {
		return nil, err
	}
	resp, err := cip.ParseReply(raw, req.Service)
	if err != nil {
		return nil, err
	}
	if err := resp.Err(); err != nil {
		return resp, err
	}
	return resp, nil
}

func (c *Client) exchangeRaw(ctx context.Context, msg []byte) ([]byte, error) {
	if len(c.route) > 0 {
		msg = cip.WrapUnconnectedSend(msg, c.route)
	}
	logging.DebugTX("logix", msg)

	reply, err := c.sender.Send(ctx, eip.UnconnectedPacket(msg))
	if err != nil {
		return nil, err
	}
	data, err := reply.UnconnectedData()
	if err != nil {
		return nil, err
	}
	logging.DebugRX("logix", data)

	if len(c.route) > 0 {
		return cip.UnwrapUnconnectedSend(data)
	}
	return data, nil
}

// ReadReply is the raw result of a Read Tag.
type ReadReply struct {
	Code   uint16 // reported type; TypeStructHandle for structures
	Handle uint16 // structure handle when Code is TypeStructHandle
	Data   []byte
}

func parseReadData(b []byte) (*ReadReply, error) {
	if len(b) < 2 {
		return nil, fmt.Errorf("%w: read reply without a type", eip.ErrMalformedFrame)
	}
	r := &ReadReply{Code: binary.LittleEndian.Uint16(b)}
	b = b[2:]
	if r.Code == TypeStructHandle {
		if len(b) < 2 {
			return nil, fmt.Errorf("%w: structure reply without a handle", eip.ErrMalformedFrame)
		}
		r.Handle = binary.LittleEndian.Uint16(b)
		b = b[2:]
	}
	r.Data = b
	return r, nil
}

// ReadRequest builds the Read Tag request for a and t.
func ReadRequest(a *Address, t *TypeInfo) (cip.Request, error) {
	path, err := a.Host().EPath()
	if err != nil {
		return cip.Request{}, &AddressError{Path: a.String(), Msg: err.Error()}
	}
	return cip.Request{
		Service: SvcReadTag,
		Path:    path,
		Data:    binary.LittleEndian.AppendUint16(nil, t.ReadCount()),
	}, nil
}

// ReplySize estimates the Read Tag reply size for t, header included.
func ReplySize(t *TypeInfo) int {
	n := 4 + 2 + t.Size()
	if IsStructure(t.Code) {
		n += 2
	}
	return n
}

// ReadTag reads count elements starting at a, following partial transfers
// with Read Tag Fragmented.
func (c *Client) ReadTag(ctx context.Context, a *Address, count uint16) (*ReadReply, error) {
	path, err := a.Host().EPath()
	if err != nil {
		return nil, &AddressError{Path: a.String(), Msg: err.Error()}
	}
	resp, err := c.Exchange(ctx, cip.Request{
		Service: SvcReadTag,
		Path:    path,
		Data:    binary.LittleEndian.AppendUint16(nil, count),
	})
	if err != nil {
		return nil, tagError(err)
	}
	reply, err := parseReadData(resp.Data)
	if err != nil {
		return nil, err
	}
	if resp.Partial() {
		return c.readFragments(ctx, path, count, reply)
	}
	return reply, nil
}

func (c *Client) readFragments(ctx context.Context, path cip.EPath_t, count uint16, first *ReadReply) (*ReadReply, error) {
	out := first
	for {
		data := binary.LittleEndian.AppendUint16(nil, count)
		data = binary.LittleEndian.AppendUint32(data, uint32(len(out.Data)))
		resp, err := c.Exchange(ctx, cip.Request{Service: SvcReadTagFragmented, Path: path, Data: data})
		if err != nil {
			return nil, tagError(err)
		}
		frag, err := parseReadData(resp.Data)
		if err != nil {
			return nil, err
		}
		if len(frag.Data) == 0 && resp.Partial() {
			return nil, fmt.Errorf("%w: empty fragment at offset %d", eip.ErrMalformedFrame, len(out.Data))
		}
		out.Data = append(out.Data, frag.Data...)
		logging.DebugLog("logix", "fragment at %d: %d bytes, partial=%v", len(out.Data)-len(frag.Data), len(frag.Data), resp.Partial())
		if !resp.Partial() {
			return out, nil
		}
	}
}

// checkReply verifies a reply against the resolved type.
func checkReply(t *TypeInfo, r *ReadReply) error {
	if IsStructure(t.Code) {
		if r.Code != TypeStructHandle {
			return mismatch("expected structure %s, controller sent %s", t, TypeName(r.Code))
		}
		if t.Template != nil && t.Template.Handle != 0 && r.Handle != t.Template.Handle {
			return mismatch("structure handle 0x%04X, resolved 0x%04X", r.Handle, t.Template.Handle)
		}
		return nil
	}
	if BaseType(r.Code) != BaseType(t.Code) {
		return mismatch("expected %s, controller sent %s", TypeName(t.Code), TypeName(r.Code))
	}
	return nil
}

// Read reads and decodes a tag of resolved type t.
func (c *Client) Read(ctx context.Context, a *Address, t *TypeInfo) (Value, error) {
	r, err := c.ReadTag(ctx, a, t.ReadCount())
	if err != nil {
		return Value{}, err
	}
	if err := checkReply(t, r); err != nil {
		return Value{}, err
	}
	return Decode(t, r.Data)
}

// ReadItem is one tag of a batch read.
type ReadItem struct {
	Address *Address
	Type    *TypeInfo
}

// ReadResult is the outcome for one ReadItem.
type ReadResult struct {
	Value Value
	Err   error
}

// ReadBatch reads items in one Multiple Service Packet. The returned error is
// set only when the whole exchange failed; per-tag failures are in the results.
// A single item is sent as a plain Read Tag.
func (c *Client) ReadBatch(ctx context.Context, items []ReadItem) ([]ReadResult, error) {
	results := make([]ReadResult, len(items))
	if len(items) == 0 {
		return results, nil
	}
	if len(items) == 1 {
		v, err := c.Read(ctx, items[0].Address, items[0].Type)
		if err != nil && isExchangeFailure(err) {
			return nil, err
		}
		results[0] = ReadResult{Value: v, Err: err}
		return results, nil
	}

	reqs := make([]cip.Request, len(items))
	for i, it := range items {
		req, err := ReadRequest(it.Address, it.Type)
		if err != nil {
			return nil, err
		}
		reqs[i] = req
	}
	msg, err := cip.BuildMultipleServiceRequest(reqs)
	if err != nil {
		return nil, err
	}
	raw, err := c.exchangeRaw(ctx, msg)
	if err != nil {
		return nil, err
	}
	resps, err := cip.ParseMultipleServiceResponse(raw)
	if err != nil {
		return nil, err
	}
	if len(resps) != len(items) {
		return nil, fmt.Errorf("%w: %d replies for %d reads", eip.ErrMalformedFrame, len(resps), len(items))
	}

	for i, resp := range resps {
		it := items[i]
		if err := resp.Err(); err != nil {
			results[i].Err = tagError(err)
			continue
		}
		if resp.Service() != SvcReadTag {
			results[i].Err = fmt.Errorf("%w: reply %d answers service 0x%02X", eip.ErrMalformedFrame, i, resp.Service())
			continue
		}
		if resp.Partial() {
			// too large for the packet; fetch it on its own
			v, err := c.Read(ctx, it.Address, it.Type)
			if err != nil && isExchangeFailure(err) {
				return nil, err
			}
			results[i] = ReadResult{Value: v, Err: err}
			continue
		}
		r, err := parseReadData(resp.Data)
		if err == nil {
			err = checkReply(it.Type, r)
		}
		if err != nil {
			results[i].Err = err
			continue
		}
		v, err := Decode(it.Type, r.Data)
		results[i] = ReadResult{Value: v, Err: err}
	}
	return results, nil
}

// isExchangeFailure separates session and framing failures, which fail a
// whole batch, from tag-level errors.
func isExchangeFailure(err error) bool {
	var se *cip.StatusError
	if errors.As(err, &se) {
		return false
	}
	return !errors.Is(err, ErrTypeMismatch) && !errors.Is(err, ErrUnsupportedType) &&
		!errors.Is(err, ErrTagNotFound) && !errors.Is(err, ErrAddress)
}

// maxWriteFragment keeps a Write Tag inside an unconnected message.
const maxWriteFragment = 400

// WriteTag encodes v as type t and writes it to a. Bit addresses use Read
// Modify Write so neighbouring bits are untouched; large values are written
// in fragments.
func (c *Client) WriteTag(ctx context.Context, a *Address, t *TypeInfo, v Value) error {
	data, err := Encode(t, v)
	if err != nil {
		return err
	}
	path, err := a.Host().EPath()
	if err != nil {
		return &AddressError{Path: a.String(), Msg: err.Error()}
	}
	if t.HasBit {
		return c.writeBit(ctx, path, t, data[0] == 1)
	}

	typeField := binary.LittleEndian.AppendUint16(nil, t.Code)
	if IsStructure(t.Code) {
		if t.Template == nil {
			return mismatch("structure %s has no template", t)
		}
		typeField = binary.LittleEndian.AppendUint16(nil, TypeStructHandle)
		typeField = binary.LittleEndian.AppendUint16(typeField, t.Template.Handle)
	}
	count := t.ReadCount()

	if len(data) <= maxWriteFragment {
		req := append(append([]byte{}, typeField...), binary.LittleEndian.AppendUint16(nil, count)...)
		_, err := c.Exchange(ctx, cip.Request{Service: SvcWriteTag, Path: path, Data: append(req, data...)})
		return tagError(err)
	}

	for off := 0; off < len(data); off += maxWriteFragment {
		end := min(off+maxWriteFragment, len(data))
		req := append([]byte{}, typeField...)
		req = binary.LittleEndian.AppendUint16(req, count)
		req = binary.LittleEndian.AppendUint32(req, uint32(off))
		req = append(req, data[off:end]...)
		if _, err := c.Exchange(ctx, cip.Request{Service: SvcWriteTagFragmented, Path: path, Data: req}); err != nil {
			return fmt.Errorf("write fragment at %d: %w", off, tagError(err))
		}
	}
	return nil
}

func (c *Client) writeBit(ctx context.Context, path cip.EPath_t, t *TypeInfo, set bool) error {
	size := TypeSize(t.Code)
	if size == 0 || !IsInteger(t.Code) {
		return mismatch("bit write on %s", TypeName(t.Code))
	}
	orMask := make([]byte, size)
	andMask := make([]byte, size)
	for i := range andMask {
		andMask[i] = 0xFF
	}
	byteIdx, bit := t.Bit/8, byte(1)<<(t.Bit%8)
	if set {
		orMask[byteIdx] = bit
	} else {
		andMask[byteIdx] &^= bit
	}
	data := binary.LittleEndian.AppendUint16(nil, uint16(size))
	data = append(data, orMask...)
	data = append(data, andMask...)
	_, err := c.Exchange(ctx, cip.Request{Service: SvcReadModifyWriteTag, Path: path, Data: data})
	return tagError(err)
}
