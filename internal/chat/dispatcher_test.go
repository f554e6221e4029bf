package chat

import (
	"bytes"
	"context"
	"encoding/binary"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/retrotalk-project/retrotalk/internal/config"
	"github.com/retrotalk-project/retrotalk/internal/events"
	"github.com/retrotalk-project/retrotalk/internal/protocol"
	"github.com/retrotalk-project/retrotalk/internal/registry"
	"github.com/retrotalk-project/retrotalk/internal/store"
)

// fakeNetConn captures written frames and satisfies net.Conn for
// session tests without real sockets.
type fakeNetConn struct {
	mu     sync.Mutex
	out    bytes.Buffer
	closed bool
	remote string
}

func newFakeNetConn(remote string) *fakeNetConn {
	return &fakeNetConn{remote: remote}
}

func (c *fakeNetConn) Read(b []byte) (int, error) { return 0, net.ErrClosed }

func (c *fakeNetConn) Write(b []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.out.Write(b)
}

func (c *fakeNetConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeNetConn) LocalAddr() net.Addr                { return fakeAddr("127.0.0.1:5001") }
func (c *fakeNetConn) RemoteAddr() net.Addr               { return fakeAddr(c.remote) }
func (c *fakeNetConn) SetDeadline(t time.Time) error      { return nil }
func (c *fakeNetConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *fakeNetConn) SetWriteDeadline(t time.Time) error { return nil }

// sentFrames decodes everything written so far and resets the capture.
func (c *fakeNetConn) sentFrames() []protocol.Frame {
	c.mu.Lock()
	raw := c.out.Bytes()
	c.out = bytes.Buffer{}
	c.mu.Unlock()
	return protocol.NewFramer().Push(raw)
}

type fakeAddr string

func (a fakeAddr) Network() string { return "tcp" }
func (a fakeAddr) String() string  { return string(a) }

// fakeStore backs dispatcher tests with in-memory user records.
type fakeStore struct {
	mu      sync.Mutex
	users   map[uint32]*store.UserRecord
	offline []*store.OfflineMessage
	nextID  int64
	sentIDs []int64
}

func newFakeStore(users ...*store.UserRecord) *fakeStore {
	fs := &fakeStore{users: make(map[uint32]*store.UserRecord), nextID: 1}
	for _, u := range users {
		fs.users[u.UID] = u
	}
	return fs
}

func (f *fakeStore) GetUserByUID(ctx context.Context, uid uint32) (*store.UserRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[uid]
	if !ok {
		return nil, store.ErrNotFound
	}
	return u, nil
}

func (f *fakeStore) GetUserByNickname(ctx context.Context, nickname string) (*store.UserRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if u.Nickname == nickname {
			return u, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) SearchUsersByNickname(ctx context.Context, pattern string) ([]*store.UserRecord, error) {
	return nil, nil
}

func (f *fakeStore) UpdateUserBuddies(ctx context.Context, uid uint32, buddies map[uint32]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u, ok := f.users[uid]; ok {
		u.Buddies = buddies
	}
	return nil
}

func (f *fakeStore) GetCategories(ctx context.Context) ([]store.CategoryRecord, error) {
	return nil, nil
}

func (f *fakeStore) GetPermanentRooms(ctx context.Context) ([]store.RoomRecord, error) {
	return nil, nil
}

func (f *fakeStore) StoreOfflineMessage(ctx context.Context, msg *store.OfflineMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg.ID = f.nextID
	f.nextID++
	msg.CreatedAt = time.Now()
	f.offline = append(f.offline, msg)
	return nil
}

func (f *fakeStore) GetOfflineMessages(ctx context.Context, uid uint32) ([]*store.OfflineMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*store.OfflineMessage
	for _, m := range f.offline {
		if m.ToUID == uid {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeStore) MarkMessagesAsSent(ctx context.Context, ids []int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sentIDs = append(f.sentIDs, ids...)
	return nil
}

func (f *fakeStore) Close() error { return nil }

// ---- scenario plumbing ----

type testHarness struct {
	cfg   *config.Config
	reg   *registry.Registry
	disp  *Dispatcher
	store *fakeStore
}

func newHarness(t *testing.T, fs *fakeStore) *testHarness {
	t.Helper()
	cfg := config.DefaultConfig()
	bus := events.NewBus()
	t.Cleanup(bus.Stop)
	reg := registry.New(bus)
	return &testHarness{
		cfg:   cfg,
		reg:   reg,
		disp:  NewDispatcher(cfg, reg, fs, bus),
		store: fs,
	}
}

func (h *testHarness) newSession(remote string) (*Session, *fakeNetConn) {
	conn := newFakeNetConn(remote)
	s := NewSession(conn, newFloodWindow(h.cfg.FloodWindow(), h.cfg.Limits.FloodMaxMessages, h.cfg.Limits.FloodMaxRepeats))
	return s, conn
}

// login drives the full login packet through the dispatcher.
func (h *testHarness) login(t *testing.T, s *Session, conn *fakeNetConn, uid uint32) {
	t.Helper()
	var payload [4]byte
	binary.BigEndian.PutUint32(payload[:], uid)
	h.disp.Dispatch(context.Background(), s, protocol.Frame{Type: protocol.PktLogin, Payload: payload[:]})
	if s.State() != StateLoggedIn {
		t.Fatalf("login for uid %d did not complete", uid)
	}
	conn.sentFrames() // discard the post-login sequence
}

func frameTypes(frames []protocol.Frame) []int16 {
	out := make([]int16, len(frames))
	for i, f := range frames {
		out[i] = f.Type
	}
	return out
}

func userRec(uid uint32, nickname string) *store.UserRecord {
	return &store.UserRecord{UID: uid, Nickname: nickname, Buddies: map[uint32]string{}, Blocked: map[uint32]string{}}
}

// ---- scenarios ----

func TestHelloGreeting(t *testing.T) {
	h := newHarness(t, newFakeStore())
	s, conn := h.newSession("10.0.0.1:40000")

	h.disp.Dispatch(context.Background(), s, protocol.Frame{Type: protocol.PktClientHello})

	frames := conn.sentFrames()
	if len(frames) != 1 || frames[0].Type != protocol.PktHello {
		t.Fatalf("expected one HELLO frame, got %v", frameTypes(frames))
	}
	if string(frames[0].Payload) != h.cfg.Server.Greeting {
		t.Fatalf("greeting mismatch: %q", frames[0].Payload)
	}
}

func TestLymerickKeyExchange(t *testing.T) {
	h := newHarness(t, newFakeStore())
	s, conn := h.newSession("10.0.0.1:40000")

	h.disp.Dispatch(context.Background(), s, protocol.Frame{Type: protocol.PktLymerick})

	frames := conn.sentFrames()
	if len(frames) != 2 {
		t.Fatalf("expected 2 frames, got %v", frameTypes(frames))
	}
	if frames[0].Type != protocol.PktLoginNotComplete {
		t.Fatalf("first frame must be LOGIN_NOT_COMPLETE, got %d", frames[0].Type)
	}
	if frames[1].Type != protocol.PktServerKey {
		t.Fatalf("second frame must be SERVER_KEY, got %d", frames[1].Type)
	}
	if string(frames[1].Payload) != h.cfg.Server.ServerKey+"\n" {
		t.Fatalf("server key mismatch: %q", frames[1].Payload)
	}
}

func TestGetUIN(t *testing.T) {
	h := newHarness(t, newFakeStore(userRec(42, "alice")))
	s, conn := h.newSession("10.0.0.1:40000")

	h.disp.Dispatch(context.Background(), s, protocol.Frame{Type: protocol.PktGetUIN, Payload: []byte("alice\x00")})
	frames := conn.sentFrames()
	if len(frames) != 1 || frames[0].Type != protocol.PktUINResponse {
		t.Fatalf("expected UIN_RESPONSE, got %v", frameTypes(frames))
	}
	fields := protocol.ParseRecord(frames[0].Payload)
	if fields["uid"] != "42" || fields["nickname"] != "alice" {
		t.Fatalf("unexpected response fields %v", fields)
	}

	// Unknown nickname resolves to uid 0, never an error packet.
	h.disp.Dispatch(context.Background(), s, protocol.Frame{Type: protocol.PktGetUIN, Payload: []byte("nobody")})
	frames = conn.sentFrames()
	if len(frames) != 1 {
		t.Fatalf("expected one frame, got %v", frameTypes(frames))
	}
	if fields := protocol.ParseRecord(frames[0].Payload); fields["uid"] != "0" {
		t.Fatalf("unknown nickname must answer uid=0, got %v", fields)
	}
}

func TestLoginUnknownUID(t *testing.T) {
	h := newHarness(t, newFakeStore())
	s, conn := h.newSession("10.0.0.1:40000")

	payload := []byte{0, 0, 0, 99}
	h.disp.Dispatch(context.Background(), s, protocol.Frame{Type: protocol.PktLogin, Payload: payload})

	frames := conn.sentFrames()
	if len(frames) != 1 || frames[0].Type != protocol.PktLoginUnknown {
		t.Fatalf("expected LOGIN_UNKNOWN, got %v", frameTypes(frames))
	}
	if !bytes.Equal(frames[0].Payload, payload) {
		t.Fatalf("LOGIN_UNKNOWN must echo the uid, got %v", frames[0].Payload)
	}
	if s.State() != StateConnected {
		t.Fatal("failed login must not change session state")
	}
}

func TestLoginSequence(t *testing.T) {
	alice := userRec(1, "alice")
	alice.Buddies = map[uint32]string{2: "bob"}
	h := newHarness(t, newFakeStore(alice, userRec(2, "bob")))
	s, conn := h.newSession("10.0.0.1:40000")

	var payload [4]byte
	binary.BigEndian.PutUint32(payload[:], 1)
	h.disp.Dispatch(context.Background(), s, protocol.Frame{Type: protocol.PktLogin, Payload: payload[:]})

	if s.State() != StateLoggedIn {
		t.Fatal("login must bind the session")
	}

	frames := conn.sentFrames()
	types := frameTypes(frames)
	want := []int16{protocol.PktLogin, protocol.PktUserData, protocol.PktBuddyList, protocol.PktCategoryList}
	wi := 0
	for _, ty := range types {
		if wi < len(want) && ty == want[wi] {
			wi++
		}
	}
	if wi != len(want) {
		t.Fatalf("post-login sequence out of order: got %v want subsequence %v", types, want)
	}

	if frames[0].Payload[4] != protocol.LoginOK {
		t.Fatalf("login status byte must be OK, got %d", frames[0].Payload[4])
	}
	if uid := binary.BigEndian.Uint32(frames[0].Payload[0:4]); uid != 1 {
		t.Fatalf("login response uid mismatch: %d", uid)
	}
}

func TestOfflineMessageDelivery(t *testing.T) {
	fs := newFakeStore(userRec(1, "alice"))
	fs.StoreOfflineMessage(context.Background(), &store.OfflineMessage{
		ToUID: 1, FromUID: 2, FromNick: "bob", Body: "hello from the past",
	})
	h := newHarness(t, fs)
	s, conn := h.newSession("10.0.0.1:40000")

	var payload [4]byte
	binary.BigEndian.PutUint32(payload[:], 1)
	h.disp.Dispatch(context.Background(), s, protocol.Frame{Type: protocol.PktLogin, Payload: payload[:]})

	var im *protocol.Frame
	for _, f := range conn.sentFrames() {
		if f.Type == protocol.PktIMIn {
			f := f
			im = &f
		}
	}
	if im == nil {
		t.Fatal("queued message must be delivered at login")
	}
	fields := protocol.ParseRecord(im.Payload)
	if fields["text"] != "hello from the past" || fields["offline"] != "1" {
		t.Fatalf("unexpected offline IM fields %v", fields)
	}
	if len(fs.sentIDs) != 1 {
		t.Fatalf("delivered message must be acked to the store, acked=%v", fs.sentIDs)
	}
}

func TestRoomJoinWrongPassword(t *testing.T) {
	h := newHarness(t, newFakeStore(userRec(1, "alice")))
	s, conn := h.newSession("10.0.0.1:40000")
	h.login(t, s, conn, 1)

	room := registry.NewRoom(100, "secret", 1, registry.RatingGeneral)
	room.Private = true
	room.Password = "hunter2"
	room.Permanent = true
	if err := h.reg.AddRoom(context.Background(), room); err != nil {
		t.Fatal(err)
	}

	h.disp.Dispatch(context.Background(), s, protocol.Frame{
		Type:    protocol.PktRoomJoin,
		Payload: []byte("room=100\npassword=wrong\n"),
	})

	if frames := conn.sentFrames(); len(frames) != 0 {
		t.Fatalf("wrong password must produce no reply, got %v", frameTypes(frames))
	}
	if h.reg.MemberCount(100) != 0 {
		t.Fatal("wrong password must not grant membership")
	}

	// The right password joins and gets the snapshot pair.
	h.disp.Dispatch(context.Background(), s, protocol.Frame{
		Type:    protocol.PktRoomJoin,
		Payload: []byte("room=100\npassword=hunter2\n"),
	})
	types := frameTypes(conn.sentFrames())
	if len(types) != 2 || types[0] != protocol.PktRoomJoin || types[1] != protocol.PktRoomUserList {
		t.Fatalf("expected join ack + user list, got %v", types)
	}
	if h.reg.MemberCount(100) != 1 {
		t.Fatal("correct password must grant membership")
	}
}

func TestRoomMessageFanOut(t *testing.T) {
	h := newHarness(t, newFakeStore(userRec(1, "alice"), userRec(2, "bob")))
	sa, ca := h.newSession("10.0.0.1:40000")
	sb, cb := h.newSession("10.0.0.2:40000")
	h.login(t, sa, ca, 1)
	h.login(t, sb, cb, 2)

	room := registry.NewRoom(100, "lobby", 1, registry.RatingGeneral)
	room.Permanent = true
	if err := h.reg.AddRoom(context.Background(), room); err != nil {
		t.Fatal(err)
	}
	h.disp.Dispatch(context.Background(), sa, protocol.Frame{Type: protocol.PktRoomJoin, Payload: []byte("room=100\n")})
	h.disp.Dispatch(context.Background(), sb, protocol.Frame{Type: protocol.PktRoomJoin, Payload: []byte("room=100\n")})
	ca.sentFrames()
	cb.sentFrames()

	h.disp.Dispatch(context.Background(), sa, protocol.Frame{
		Type:    protocol.PktRoomMessageOut,
		Payload: []byte("room=100\ntext=hi all\n"),
	})

	if frames := ca.sentFrames(); len(frames) != 0 {
		t.Fatalf("sender must not receive its own room message, got %v", frameTypes(frames))
	}
	frames := cb.sentFrames()
	if len(frames) != 1 || frames[0].Type != protocol.PktRoomMessageIn {
		t.Fatalf("member must receive the message, got %v", frameTypes(frames))
	}
	fields := protocol.ParseRecord(frames[0].Payload)
	if fields["text"] != "hi all" || fields["from"] != "1" {
		t.Fatalf("unexpected message fields %v", fields)
	}
}

// An away/online flip must reach each buddy watcher exactly once per
// change, and repeated flips to the same mode are not re-broadcast.
func TestBuddyPresenceBroadcast(t *testing.T) {
	alice := userRec(1, "alice")
	bob := userRec(2, "bob")
	bob.Buddies = map[uint32]string{1: "alice"}
	h := newHarness(t, newFakeStore(alice, bob))

	sa, ca := h.newSession("10.0.0.1:40000")
	sb, cb := h.newSession("10.0.0.2:40000")
	h.login(t, sa, ca, 1)
	h.login(t, sb, cb, 2)

	h.disp.Dispatch(context.Background(), sa, protocol.Frame{Type: protocol.PktAwayMode})
	h.disp.Dispatch(context.Background(), sa, protocol.Frame{Type: protocol.PktAwayMode}) // no-op
	h.disp.Dispatch(context.Background(), sa, protocol.Frame{Type: protocol.PktOnlineMode})

	frames := cb.sentFrames()
	if len(frames) != 2 {
		t.Fatalf("watcher must see exactly two status changes, got %v", frameTypes(frames))
	}
	away := protocol.ParseRecord(frames[0].Payload)
	online := protocol.ParseRecord(frames[1].Payload)
	if away["uid"] != "1" || away["mode"] != "2" {
		t.Fatalf("unexpected away fields %v", away)
	}
	if online["mode"] != "1" {
		t.Fatalf("unexpected online fields %v", online)
	}

	// Alice watches nobody, so she sees no presence traffic.
	if frames := ca.sentFrames(); len(frames) != 0 {
		t.Fatalf("non-watcher must see nothing, got %v", frameTypes(frames))
	}
}

func TestIMToOfflineRecipientIsQueued(t *testing.T) {
	fs := newFakeStore(userRec(1, "alice"), userRec(2, "bob"))
	h := newHarness(t, fs)
	s, conn := h.newSession("10.0.0.1:40000")
	h.login(t, s, conn, 1)

	h.disp.Dispatch(context.Background(), s, protocol.Frame{
		Type:    protocol.PktIMOut,
		Payload: []byte("to=bob\ntext=see you later\n"),
	})

	msgs, _ := fs.GetOfflineMessages(context.Background(), 2)
	if len(msgs) != 1 || msgs[0].Body != "see you later" {
		t.Fatalf("IM to offline user must be queued, got %+v", msgs)
	}
}

func TestBlockedIMIsDropped(t *testing.T) {
	alice := userRec(1, "alice")
	bob := userRec(2, "bob")
	bob.Blocked = map[uint32]string{1: "alice"}
	h := newHarness(t, newFakeStore(alice, bob))

	sa, ca := h.newSession("10.0.0.1:40000")
	sb, cb := h.newSession("10.0.0.2:40000")
	h.login(t, sa, ca, 1)
	h.login(t, sb, cb, 2)

	h.disp.Dispatch(context.Background(), sa, protocol.Frame{
		Type:    protocol.PktIMOut,
		Payload: []byte("to=bob\ntext=hello?\n"),
	})

	if frames := cb.sentFrames(); len(frames) != 0 {
		t.Fatalf("blocked IM must not be delivered, got %v", frameTypes(frames))
	}
	// The sender gets no rejection either.
	if frames := ca.sentFrames(); len(frames) != 0 {
		t.Fatalf("blocked IM must fail silently, got %v", frameTypes(frames))
	}
}

func TestSessionClosedNotifiesRooms(t *testing.T) {
	h := newHarness(t, newFakeStore(userRec(1, "alice"), userRec(2, "bob")))
	sa, ca := h.newSession("10.0.0.1:40000")
	sb, cb := h.newSession("10.0.0.2:40000")
	h.login(t, sa, ca, 1)
	h.login(t, sb, cb, 2)

	room := registry.NewRoom(100, "lobby", 1, registry.RatingGeneral)
	room.Permanent = true
	if err := h.reg.AddRoom(context.Background(), room); err != nil {
		t.Fatal(err)
	}
	h.disp.Dispatch(context.Background(), sa, protocol.Frame{Type: protocol.PktRoomJoin, Payload: []byte("room=100\n")})
	h.disp.Dispatch(context.Background(), sb, protocol.Frame{Type: protocol.PktRoomJoin, Payload: []byte("room=100\n")})
	cb.sentFrames()

	sa.Close()
	h.disp.SessionClosed(context.Background(), sa)

	frames := cb.sentFrames()
	if len(frames) != 1 || frames[0].Type != protocol.PktRoomUserLeft {
		t.Fatalf("remaining member must see the departure, got %v", frameTypes(frames))
	}
	if _, online := h.reg.UserByUID(1); online {
		t.Fatal("closed session's user must leave the registry")
	}
	if h.reg.MemberCount(100) != 1 {
		t.Fatalf("room must keep the remaining member, got %d", h.reg.MemberCount(100))
	}
}

// The newest login for a uid wins: the old connection is closed, its
// rooms see a departure, and its stale deferred cleanup must not evict
// the replacement session.
func TestReloginDisplacesOldSession(t *testing.T) {
	h := newHarness(t, newFakeStore(userRec(1, "alice"), userRec(2, "bob")))
	s1, c1 := h.newSession("10.0.0.1:40000")
	sb, cb := h.newSession("10.0.0.2:40000")
	h.login(t, s1, c1, 1)
	h.login(t, sb, cb, 2)

	room := registry.NewRoom(100, "lobby", 1, registry.RatingGeneral)
	room.Permanent = true
	if err := h.reg.AddRoom(context.Background(), room); err != nil {
		t.Fatal(err)
	}
	h.disp.Dispatch(context.Background(), s1, protocol.Frame{Type: protocol.PktRoomJoin, Payload: []byte("room=100\n")})
	h.disp.Dispatch(context.Background(), sb, protocol.Frame{Type: protocol.PktRoomJoin, Payload: []byte("room=100\n")})
	cb.sentFrames()

	s2, c2 := h.newSession("10.0.0.3:40000")
	h.login(t, s2, c2, 1)

	if !c1.closed {
		t.Fatal("displaced connection must be closed")
	}
	frames := cb.sentFrames()
	if len(frames) != 1 || frames[0].Type != protocol.PktRoomUserLeft {
		t.Fatalf("room member must see the displaced session leave, got %v", frameTypes(frames))
	}

	// The displaced session's read loop runs its deferred cleanup after
	// the replacement is already online.
	h.disp.SessionClosed(context.Background(), s1)

	u, online := h.reg.UserByUID(1)
	if !online {
		t.Fatal("stale cleanup must not evict the replacement login")
	}
	if u != s2.User() {
		t.Fatal("registry must hold the replacement session's user")
	}
	if s2.State() != StateLoggedIn {
		t.Fatalf("replacement session must stay logged in, got %v", s2.State())
	}
	if frames := cb.sentFrames(); len(frames) != 0 {
		t.Fatalf("stale cleanup must broadcast nothing, got %v", frameTypes(frames))
	}
}

// Adding a buddy sends no status frame of its own, so a later away and
// online flip reaches the adder exactly twice.
func TestBuddyAddThenModeChanges(t *testing.T) {
	h := newHarness(t, newFakeStore(userRec(1, "alice"), userRec(2, "bob")))
	sa, ca := h.newSession("10.0.0.1:40000")
	sb, cb := h.newSession("10.0.0.2:40000")
	h.login(t, sa, ca, 1)
	h.login(t, sb, cb, 2)

	h.disp.Dispatch(context.Background(), sa, protocol.Frame{
		Type:    protocol.PktBuddyAdd,
		Payload: []byte("nickname=bob\n"),
	})
	if frames := ca.sentFrames(); len(frames) != 0 {
		t.Fatalf("buddy add alone must produce no frames, got %v", frameTypes(frames))
	}

	h.disp.Dispatch(context.Background(), sb, protocol.Frame{Type: protocol.PktAwayMode})
	h.disp.Dispatch(context.Background(), sb, protocol.Frame{Type: protocol.PktOnlineMode})

	var modes []string
	for _, f := range ca.sentFrames() {
		if f.Type != protocol.PktStatusChange {
			t.Fatalf("unexpected frame type %d", f.Type)
		}
		fields := protocol.ParseRecord(f.Payload)
		if fields["uid"] != "2" {
			t.Fatalf("unexpected status uid %q", fields["uid"])
		}
		modes = append(modes, fields["mode"])
	}
	if len(modes) != 2 || modes[0] != "2" || modes[1] != "1" {
		t.Fatalf("adder must see exactly the two mode changes, got %v", modes)
	}
	cb.sentFrames()
}

// fakeVoice records association calls from the dispatcher.
type fakeVoice struct {
	mu         sync.Mutex
	associated []uint32
	dropped    []uint32
}

func (f *fakeVoice) AssociateUser(remoteIP string, roomID int32, uid uint32) {
	f.mu.Lock()
	f.associated = append(f.associated, uid)
	f.mu.Unlock()
}

func (f *fakeVoice) DisassociateUser(remoteIP string, uid uint32) {
	f.mu.Lock()
	f.dropped = append(f.dropped, uid)
	f.mu.Unlock()
}

func TestVoiceAssociationFollowsRoomLifecycle(t *testing.T) {
	h := newHarness(t, newFakeStore(userRec(1, "alice")))
	fv := &fakeVoice{}
	h.disp.SetVoice(fv)

	s, conn := h.newSession("10.0.0.1:40000")
	h.login(t, s, conn, 1)

	room := registry.NewRoom(100, "talk", 1, registry.RatingGeneral)
	room.Permanent = true
	room.Voice = true
	if err := h.reg.AddRoom(context.Background(), room); err != nil {
		t.Fatal(err)
	}

	h.disp.Dispatch(context.Background(), s, protocol.Frame{Type: protocol.PktRoomJoin, Payload: []byte("room=100\n")})
	if len(fv.associated) != 1 || fv.associated[0] != 1 {
		t.Fatalf("voice room join must associate the user, got %v", fv.associated)
	}

	h.disp.Dispatch(context.Background(), s, protocol.Frame{Type: protocol.PktRoomLeave, Payload: []byte("room=100\n")})
	if len(fv.dropped) != 1 || fv.dropped[0] != 1 {
		t.Fatalf("room leave must drop the association, got %v", fv.dropped)
	}

	s.Close()
	h.disp.SessionClosed(context.Background(), s)
	if len(fv.dropped) != 2 {
		t.Fatalf("session close must drop the association, got %v", fv.dropped)
	}
}
