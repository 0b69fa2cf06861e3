package internal

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"
)

// Peer is one live, authenticated connection as the registry sees it.
// Deliver must not block: it reports false when the peer cannot keep up,
// and the registry drops the peer in response. Drop tells the peer it has
// been removed so it can tear its transport down.
type Peer interface {
	Identity() Identity
	Deliver(env Envelope) bool
	Drop()
}

var (
	ErrNotAuthorized = errors.New("not authorized for room")
	ErrNotRoomMember = errors.New("not a room member")
	ErrNotStored     = errors.New("message not stored")
)

// Registry is the authoritative map from room to the live connections
// eligible for fan-out, with per-user presence derived on top. Each room
// carries its own lock and sequence counter, so unrelated rooms proceed
// fully concurrently while same-room operations serialize.
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]*room

	store        MessageStore
	authz        Authorizer
	historyLimit int
	typingTTL    time.Duration

	metrics *Metrics
}

type room struct {
	id string

	// pendingJoins counts joins that have looked the room up but not yet
	// inserted their peer. Guarded by Registry.mu, not room.mu. While it
	// is nonzero deleteRoomIfEmpty leaves the room in the map, so a join
	// never lands in a room object that has already been dropped.
	pendingJoins int

	// mu guards everything below and is the room's critical section:
	// sequence assignment, persist, and fan-out happen under it so no two
	// accepted messages in the same room ever interleave.
	mu        sync.Mutex
	seq       int64
	peers     map[Peer]struct{}
	userConns map[string]int
	typing    *typingSet
}

// NewRegistry builds an empty registry over the given collaborators.
func NewRegistry(store MessageStore, authz Authorizer, historyLimit int, typingTTL time.Duration, metrics *Metrics) *Registry {
	if historyLimit <= 0 {
		historyLimit = 50
	}
	return &Registry{
		rooms:        make(map[string]*room),
		store:        store,
		authz:        authz,
		historyLimit: historyLimit,
		typingTTL:    typingTTL,
		metrics:      metrics,
	}
}

// getOrCreateRoom lazily builds the room and seeds its sequence counter
// from the store so numbering continues across server restarts. The room
// comes back with a pending join registered; the caller must release it
// with joinDone once the peer is inserted (or the join abandoned).
func (reg *Registry) getOrCreateRoom(ctx context.Context, roomID string) (*room, error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if r, ok := reg.rooms[roomID]; ok {
		r.pendingJoins++
		return r, nil
	}
	seq, err := reg.store.LatestSequence(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("seed sequence for %s: %w", roomID, err)
	}
	r := &room{
		id:        roomID,
		seq:       seq,
		peers:     make(map[Peer]struct{}),
		userConns: make(map[string]int),
	}
	r.typing = newTypingSet(reg.typingTTL, func(string) {
		reg.broadcastTyping(r)
	})
	r.pendingJoins++
	reg.rooms[roomID] = r
	return r, nil
}

// joinDone releases the pending-join hold taken by getOrCreateRoom and
// collects the room if the join left it empty and unused.
func (reg *Registry) joinDone(r *room) {
	reg.mu.Lock()
	r.pendingJoins--
	reg.mu.Unlock()
	reg.deleteRoomIfEmpty(r.id)
}

func (reg *Registry) getRoom(roomID string) *room {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return reg.rooms[roomID]
}

func (reg *Registry) deleteRoomIfEmpty(roomID string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if r, ok := reg.rooms[roomID]; ok {
		if r.pendingJoins > 0 {
			return
		}
		r.mu.Lock()
		empty := len(r.peers) == 0
		r.mu.Unlock()
		if empty {
			r.typing.clear()
			delete(reg.rooms, roomID)
		}
	}
}

// Join admits an authenticated peer into a room: authorization first, then
// membership, history backfill, a presence snapshot for the newcomer, and
// a presence-join broadcast when this is the user's first connection in
// the room. Backfill happens inside the room's critical section so the
// newcomer sees history up to the current sequence and then every later
// broadcast with no gap and no duplicate.
func (reg *Registry) Join(ctx context.Context, p Peer, roomID string) error {
	userID := p.Identity().UserID
	ok, err := reg.authz.CanJoin(ctx, userID, roomID)
	if err != nil {
		return fmt.Errorf("authorize join: %w", err)
	}
	if !ok {
		return ErrNotAuthorized
	}

	r, err := reg.getOrCreateRoom(ctx, roomID)
	if err != nil {
		return err
	}
	defer reg.joinDone(r)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.peers[p]; exists {
		return nil
	}
	r.peers[p] = struct{}{}
	r.userConns[userID]++
	first := r.userConns[userID] == 1

	history, err := reg.store.LoadRecentMessages(ctx, roomID, r.seq+1, reg.historyLimit)
	if err != nil {
		log.Printf("history backfill for %s failed: %v", roomID, err)
	}
	for _, env := range history {
		p.Deliver(env)
	}
	p.Deliver(Envelope{Type: TypePresence, RoomID: roomID, Users: r.presenceLocked()})

	if first {
		reg.broadcastPresenceLocked(ctx, r, p.Identity(), PresenceJoin, p)
		if reg.metrics != nil {
			reg.metrics.IncPresenceEvent()
		}
	}
	return nil
}

// Leave removes one of the peer's connections from the room; the user's
// presence entry survives while any other connection of theirs remains.
func (reg *Registry) Leave(ctx context.Context, p Peer, roomID string) {
	r := reg.getRoom(roomID)
	if r == nil {
		return
	}
	r.mu.Lock()
	reg.removePeerLocked(ctx, r, p)
	empty := len(r.peers) == 0
	r.mu.Unlock()
	if empty {
		reg.deleteRoomIfEmpty(roomID)
	}
}

// LeaveAll is the implicit leave on disconnect.
func (reg *Registry) LeaveAll(ctx context.Context, p Peer) {
	reg.mu.RLock()
	rooms := make([]*room, 0, len(reg.rooms))
	for _, r := range reg.rooms {
		rooms = append(rooms, r)
	}
	reg.mu.RUnlock()

	for _, r := range rooms {
		r.mu.Lock()
		_, member := r.peers[p]
		if member {
			reg.removePeerLocked(ctx, r, p)
		}
		empty := len(r.peers) == 0
		r.mu.Unlock()
		if member && empty {
			reg.deleteRoomIfEmpty(r.id)
		}
	}
}

// removePeerLocked drops the peer from the room and, when it was the
// user's last connection there, clears typing state and broadcasts the
// presence-leave. Caller holds r.mu.
func (reg *Registry) removePeerLocked(ctx context.Context, r *room, p Peer) {
	if _, ok := r.peers[p]; !ok {
		return
	}
	delete(r.peers, p)
	userID := p.Identity().UserID
	if r.userConns[userID] > 1 {
		r.userConns[userID]--
		return
	}
	delete(r.userConns, userID)
	if r.typing.stop(userID) {
		reg.broadcastTypingLocked(r)
	}
	reg.broadcastPresenceLocked(ctx, r, p.Identity(), PresenceLeave, nil)
	if reg.metrics != nil {
		reg.metrics.IncPresenceEvent()
	}
}

// Accept runs the sequencer for one submitted envelope: membership check,
// persist with the next sequence number, then fan-out, all inside the
// room's critical section. Persist failure or a non-member sender turns
// into a reject delivered to the sender only; the envelope is never
// broadcast unless it was stored.
func (reg *Registry) Accept(ctx context.Context, p Peer, env Envelope) {
	sender := p.Identity()
	r := reg.getRoom(env.RoomID)
	if r == nil {
		reg.rejectSend(p, env, ErrNotRoomMember.Error())
		return
	}

	r.mu.Lock()
	if r.userConns[sender.UserID] == 0 {
		r.mu.Unlock()
		reg.rejectSend(p, env, ErrNotRoomMember.Error())
		return
	}

	accepted := env
	accepted.Type = TypeBroadcast
	accepted.SenderID = sender.UserID
	accepted.SenderName = sender.Username
	if accepted.Kind == "" {
		accepted.Kind = KindChat
	}
	accepted.Sequence = r.seq + 1
	accepted.ServerTS = time.Now().Unix()

	if err := reg.store.PersistMessage(ctx, accepted); err != nil {
		r.mu.Unlock()
		log.Printf("persist message room=%s corr=%s: %v", env.RoomID, env.CorrelationID, err)
		reg.rejectSend(p, env, ErrNotStored.Error())
		return
	}
	r.seq = accepted.Sequence

	// sending a message implies the user stopped typing
	if r.typing.stop(sender.UserID) {
		reg.broadcastTypingLocked(r)
	}

	p.Deliver(Envelope{
		Type:          TypeAck,
		CorrelationID: accepted.CorrelationID,
		RoomID:        accepted.RoomID,
		Sequence:      accepted.Sequence,
		ServerTS:      accepted.ServerTS,
	})
	reg.broadcastLocked(ctx, r, accepted)
	r.mu.Unlock()

	if reg.metrics != nil {
		reg.metrics.IncAccepted()
	}
}

func (reg *Registry) rejectSend(p Peer, env Envelope, reason string) {
	p.Deliver(RejectEnvelope(env.CorrelationID, env.RoomID, reason))
	if reg.metrics != nil {
		reg.metrics.IncRejected()
	}
}

// Typing applies a fire-and-forget typing transition. No ack, no retry; a
// lost signal self-heals at the next keystroke or expiry.
func (reg *Registry) Typing(p Peer, roomID string, active bool) {
	r := reg.getRoom(roomID)
	if r == nil {
		return
	}
	userID := p.Identity().UserID
	r.mu.Lock()
	defer r.mu.Unlock()
	// membership check and typing mutation stay in one critical section,
	// otherwise a user could slip back into the set after their last
	// connection left and cleared it
	if r.userConns[userID] == 0 {
		return
	}
	var changed bool
	if active {
		changed = r.typing.start(userID)
	} else {
		changed = r.typing.stop(userID)
	}
	if changed {
		reg.broadcastTypingLocked(r)
	}
}

// MembersOf returns the live connection set for the room at this instant.
func (reg *Registry) MembersOf(roomID string) []Peer {
	r := reg.getRoom(roomID)
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	peers := make([]Peer, 0, len(r.peers))
	for p := range r.peers {
		peers = append(peers, p)
	}
	return peers
}

// PresenceOf returns the room's current user set, sorted.
func (reg *Registry) PresenceOf(roomID string) []string {
	r := reg.getRoom(roomID)
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.presenceLocked()
}

func (r *room) presenceLocked() []string {
	users := make([]string, 0, len(r.userConns))
	for userID := range r.userConns {
		users = append(users, userID)
	}
	sort.Strings(users)
	return users
}

// broadcastLocked fans an envelope out to every peer in the room. Peers
// that cannot keep up are dropped, and any user fully gone as a result
// gets a presence-leave on their behalf. Caller holds r.mu.
func (reg *Registry) broadcastLocked(ctx context.Context, r *room, env Envelope) {
	var failed []Peer
	for p := range r.peers {
		if !p.Deliver(env) {
			failed = append(failed, p)
		}
	}
	for _, p := range failed {
		log.Printf("dropping slow peer user=%s room=%s", p.Identity().UserID, r.id)
		reg.removePeerLocked(ctx, r, p)
		p.Drop()
	}
}

// broadcastPresenceLocked announces a join/leave of one user to the other
// members. Peers in a blocking relationship with that user, in either
// direction, do not receive the event. Caller holds r.mu; skip excludes
// the peer that triggered the event (a joiner already got its snapshot).
func (reg *Registry) broadcastPresenceLocked(ctx context.Context, r *room, who Identity, event string, skip Peer) {
	env := Envelope{
		Type:       TypePresence,
		RoomID:     r.id,
		SenderID:   who.UserID,
		SenderName: who.Username,
		Event:      event,
		Users:      r.presenceLocked(),
	}
	for p := range r.peers {
		if p == skip {
			continue
		}
		if reg.presenceHidden(ctx, who.UserID, p.Identity().UserID) {
			continue
		}
		p.Deliver(env)
	}
}

// presenceHidden reports whether presence about subject must be withheld
// from viewer because either side blocks the other. Lookup errors fail
// open and are logged; messages themselves are unaffected.
func (reg *Registry) presenceHidden(ctx context.Context, subject, viewer string) bool {
	if subject == viewer {
		return false
	}
	blocked, err := reg.authz.IsBlocked(ctx, subject, viewer)
	if err != nil {
		log.Printf("block lookup %s/%s: %v", subject, viewer, err)
		return false
	}
	if blocked {
		return true
	}
	blocked, err = reg.authz.IsBlocked(ctx, viewer, subject)
	if err != nil {
		log.Printf("block lookup %s/%s: %v", viewer, subject, err)
		return false
	}
	return blocked
}

func (reg *Registry) broadcastTyping(r *room) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg.broadcastTypingLocked(r)
}

func (reg *Registry) broadcastTypingLocked(r *room) {
	env := Envelope{Type: TypeTyping, RoomID: r.id, Users: r.typing.users()}
	for p := range r.peers {
		p.Deliver(env)
	}
}
