package plcsim

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taglink/cip"
	"taglink/eip"
	"taglink/logix"
)

func newDemo(t *testing.T, opts ...Option) *Server {
	t.Helper()
	s := New(opts...)
	require.NoError(t, s.Start())
	t.Cleanup(s.Close)
	require.NoError(t, s.LoadDemo())
	return s
}

func connect(t *testing.T, s *Server, opts ...eip.SessionOption) *eip.Session {
	t.Helper()
	sess := eip.NewSession(s.Addr(), opts...)
	require.NoError(t, sess.Connect(context.Background()))
	t.Cleanup(func() { _ = sess.Disconnect() })
	return sess
}

func readCounter(ctx context.Context, c *logix.Client) (logix.Value, error) {
	a := logix.MustParseAddress("Counter", "")
	return c.Read(ctx, a, &logix.TypeInfo{Code: logix.TypeDINT})
}

func TestServer_SetGet(t *testing.T) {
	s := newDemo(t)

	v, err := s.Get("Temperature")
	require.NoError(t, err)
	assert.Equal(t, 21.5, v.Float())

	v, err = s.Get("Message")
	require.NoError(t, err)
	assert.Equal(t, "hello", v.Str())

	require.NoError(t, s.Set("Recipe[3]", logix.IntValue(30)))
	v, err = s.Get("Recipe")
	require.NoError(t, err)
	require.Equal(t, 10, v.Len())
	assert.Equal(t, int64(30), v.Index(3).Int())

	require.NoError(t, s.Set("Program:MainProgram.TestUDT2[1].UDT1[2].BOOL2", logix.BoolValue(true)))
	v, err = s.Get("Program:MainProgram.TestUDT2[1].UDT1[2].BOOL2")
	require.NoError(t, err)
	assert.True(t, v.Bool())
	v, err = s.Get("Program:MainProgram.TestUDT2[1].UDT1[2].BOOL1")
	require.NoError(t, err)
	assert.False(t, v.Bool())

	require.NoError(t, s.Set("Status.31", logix.BoolValue(true)))
	v, err = s.Get("Status")
	require.NoError(t, err)
	assert.Equal(t, int64(-1<<31), v.Int())

	_, err = s.Get("Recipe[10]")
	assert.Error(t, err)
	_, err = s.Get("Nope")
	assert.Error(t, err)
	assert.Error(t, s.Set("Counter", logix.StringValue("x")))
}

func TestServer_AddTag(t *testing.T) {
	s := New()
	require.NoError(t, s.AddTag("A", logix.TypeDINT))
	assert.Error(t, s.AddTag("a", logix.TypeDINT), "names are case-insensitive")
	require.NoError(t, s.AddTag("Program:P.A", logix.TypeDINT), "program scope is separate")
	assert.Error(t, s.AddTag("B", 0x00C0))
	assert.Error(t, s.AddTag("C", logix.TypeINT, 1, 2, 3, 4))
	assert.Error(t, s.AddTag("D", logix.TypeINT, 0))

	s.RemoveTag("A")
	_, err := s.Get("A")
	assert.Error(t, err)
	require.NoError(t, s.AddTag("A", logix.TypeSINT))
}

func TestServer_Identity(t *testing.T) {
	s := newDemo(t)
	sess := connect(t, s)

	id, err := sess.Identify(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "1756-L83E/B", id.ProductName)
	assert.Equal(t, uint16(1), id.VendorID)
	assert.Equal(t, 1, s.Sessions())
}

func TestServer_FailTag(t *testing.T) {
	s := newDemo(t)
	c := logix.NewClient(connect(t, s))
	ctx := context.Background()

	s.FailTag("Counter", cip.StatusGeneralError, logix.ExtStatusTypeMismatch)
	_, err := readCounter(ctx, c)
	assert.ErrorIs(t, err, logix.ErrTypeMismatch)
	assert.True(t, cip.HasExtStatus(err, logix.ExtStatusTypeMismatch))

	s.FailTag("Counter", 0)
	_, err = readCounter(ctx, c)
	assert.NoError(t, err)
}

func TestServer_DropNextTimesOut(t *testing.T) {
	s := newDemo(t)
	sess := connect(t, s,
		eip.WithTimeout(100*time.Millisecond),
		eip.WithReconnectPolicy(eip.ReconnectPolicy{InitialDelay: 20 * time.Millisecond}))
	c := logix.NewClient(sess)

	s.DropNext(1)
	_, err := readCounter(context.Background(), c)
	require.Error(t, err)
	assert.True(t, errors.Is(err, eip.ErrTimeout), "got %v", err)
	assert.True(t, eip.IsTransport(err))

	require.Eventually(t, func() bool { return sess.State() == eip.Connected }, 2*time.Second, 10*time.Millisecond)
	_, err = readCounter(context.Background(), c)
	assert.NoError(t, err)
	assert.Equal(t, uint64(1), sess.Stats().Reconnects)
	assert.Equal(t, 2, s.Sessions())
}

func TestServer_StaleRepliesDiscarded(t *testing.T) {
	s := newDemo(t)
	require.NoError(t, s.Set("Counter", logix.IntValue(11)))
	sess := connect(t, s)
	c := logix.NewClient(sess)

	s.StaleNext(2)
	for i := 0; i < 2; i++ {
		v, err := readCounter(context.Background(), c)
		require.NoError(t, err)
		assert.Equal(t, int64(11), v.Int())
	}
	assert.Equal(t, uint64(2), sess.Stats().Discarded)
}

func TestServer_DropConnections(t *testing.T) {
	s := newDemo(t)
	sess := connect(t, s, eip.WithReconnectPolicy(eip.ReconnectPolicy{Disabled: true}))
	c := logix.NewClient(sess)

	s.DropConnections()
	_, err := readCounter(context.Background(), c)
	require.Error(t, err)
	assert.True(t, eip.IsTransport(err))
	require.Eventually(t, func() bool { return sess.State() == eip.Disconnected }, time.Second, 10*time.Millisecond)
}

func TestServer_Delay(t *testing.T) {
	s := newDemo(t)
	c := logix.NewClient(connect(t, s))

	s.SetDelay(150 * time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := readCounter(ctx, c)
	assert.Error(t, err)
}

func TestServer_Routing(t *testing.T) {
	s := newDemo(t, WithSlot(1))
	sess := connect(t, s)

	_, err := readCounter(context.Background(), logix.NewClient(sess, logix.WithSlot(1)))
	require.NoError(t, err)

	_, err = readCounter(context.Background(), logix.NewClient(sess, logix.WithSlot(4)))
	assert.True(t, cip.HasStatus(err, 0x01))
}

func TestParsePath(t *testing.T) {
	segs, err := parsePath([]byte{0x91, 0x03, 'T', 'a', 'g', 0x00, 0x28, 0x02, 0x29, 0x00, 0x2C, 0x01, 0x20, 0x6B, 0x25, 0x00, 0x10, 0x00})
	require.NoError(t, err)
	require.Len(t, segs, 5)
	assert.Equal(t, pathSeg{kind: segSymbol, name: "Tag"}, segs[0])
	assert.Equal(t, pathSeg{kind: segElement, value: 2}, segs[1])
	assert.Equal(t, pathSeg{kind: segElement, value: 300}, segs[2])
	assert.Equal(t, pathSeg{kind: segClass, value: 0x6B}, segs[3])
	assert.Equal(t, pathSeg{kind: segInstance, value: 0x10}, segs[4])

	_, err = parsePath([]byte{0x91, 0x05, 'a'})
	assert.Error(t, err)
	_, err = parsePath([]byte{0x40, 0x00})
	assert.Error(t, err)
}

func TestMultiple_EmbeddedFailure(t *testing.T) {
	s := newDemo(t)
	good, err := logix.ReadRequest(logix.MustParseAddress("Counter", ""), &logix.TypeInfo{Code: logix.TypeDINT})
	require.NoError(t, err)
	bad, err := logix.ReadRequest(logix.MustParseAddress("Nope", ""), &logix.TypeInfo{Code: logix.TypeDINT})
	require.NoError(t, err)
	msg, err := cip.BuildMultipleServiceRequest([]cip.Request{good, bad})
	require.NoError(t, err)

	out := s.handle(msg, true)
	assert.Equal(t, byte(statusEmbeddedFailure), out[2])
	resps, err := cip.ParseMultipleServiceResponse(out)
	require.NoError(t, err)
	require.Len(t, resps, 2)
	assert.NoError(t, resps[0].Err())
	assert.Equal(t, cip.StatusPathUnknown, resps[1].GeneralStatus)
}
