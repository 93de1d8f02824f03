// Package directory defines the external collaborator interfaces the data
// plane consumes — a membership oracle and a recipient directory — and
// provides an in-memory reference implementation for self-contained and
// loopback-mode deployments. Join/leave on the reference implementation is
// authenticated by a signed per-user token, adapted from the mobile app
// JWT pattern.
package directory

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
)

// MembershipOracle answers "does user U belong to channel C?", assumed
// cheap and eventually consistent. The core tolerates transient false
// negatives by dropping the affected packet.
type MembershipOracle interface {
	IsMember(ctx context.Context, userID, channelID uuid.UUID) (bool, error)
	Members(ctx context.Context, channelID uuid.UUID) ([]uuid.UUID, error)
}

// RecipientDirectory resolves a channel's current member transport
// endpoints for fan-out, and is kept current by the datagram server as it
// learns each user's live source address off the wire.
type RecipientDirectory interface {
	Endpoints(ctx context.Context, channelID uuid.UUID) (map[uuid.UUID]*net.UDPAddr, error)
	RegisterEndpoint(userID uuid.UUID, addr *net.UDPAddr)
	UnregisterEndpoint(userID uuid.UUID)
}

// EventKind tags a control-plane notification.
type EventKind int

const (
	EventUserJoined EventKind = iota
	EventUserLeft
	EventAudioStarted
	EventAudioStopped
)

// Event is a fire-and-forget control-plane notification; the core never
// waits for delivery.
type Event struct {
	Kind      EventKind
	UserID    uuid.UUID
	ChannelID uuid.UUID
	At        time.Time
}

// Notifier publishes control-plane events. Emission failures are logged,
// never propagated to the data plane.
type Notifier interface {
	Publish(ctx context.Context, ev Event)
}

// NopNotifier discards every event; the default when no notification bus
// is configured.
type NopNotifier struct{}

// Publish implements Notifier.
func (NopNotifier) Publish(context.Context, Event) {}

var (
	// ErrInvalidToken is returned when a join token fails signature or claim validation.
	ErrInvalidToken = errors.New("directory: invalid join token")
	// ErrChannelFull is returned when a channel is already at its configured member cap.
	ErrChannelFull = errors.New("directory: channel at capacity")
)

type channelMembers struct {
	mu       sync.RWMutex
	members  map[uuid.UUID]struct{}
	maxUsers int
}

// InMemory is a reference MembershipOracle + RecipientDirectory for
// self-contained deployments and loopback-mode test runs. It owns no
// durable state; restart is a cold start, consistent with the data
// plane's own persistence posture.
type InMemory struct {
	mu        sync.RWMutex
	channels  map[uuid.UUID]*channelMembers
	endpoints sync.Map // uuid.UUID -> *net.UDPAddr

	notifier  Notifier
	jwtSecret []byte
}

// NewInMemory creates an empty reference directory. jwtSecret signs and
// verifies join tokens minted via MintJoinToken/admin API.
func NewInMemory(jwtSecret []byte, notifier Notifier) *InMemory {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &InMemory{
		channels:  make(map[uuid.UUID]*channelMembers),
		notifier:  notifier,
		jwtSecret: jwtSecret,
	}
}

func (d *InMemory) channel(channelID uuid.UUID, maxUsers int) *channelMembers {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.channels[channelID]
	if !ok {
		if maxUsers <= 0 {
			maxUsers = 64
		}
		c = &channelMembers{members: make(map[uuid.UUID]struct{}), maxUsers: maxUsers}
		d.channels[channelID] = c
	}
	return c
}

// IsMember implements MembershipOracle.
func (d *InMemory) IsMember(_ context.Context, userID, channelID uuid.UUID) (bool, error) {
	d.mu.RLock()
	c, ok := d.channels[channelID]
	d.mu.RUnlock()
	if !ok {
		return false, nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, member := c.members[userID]
	return member, nil
}

// Members implements MembershipOracle.
func (d *InMemory) Members(_ context.Context, channelID uuid.UUID) ([]uuid.UUID, error) {
	d.mu.RLock()
	c, ok := d.channels[channelID]
	d.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]uuid.UUID, 0, len(c.members))
	for u := range c.members {
		out = append(out, u)
	}
	return out, nil
}

// Endpoints implements RecipientDirectory.
func (d *InMemory) Endpoints(_ context.Context, channelID uuid.UUID) (map[uuid.UUID]*net.UDPAddr, error) {
	d.mu.RLock()
	c, ok := d.channels[channelID]
	d.mu.RUnlock()
	if !ok {
		return nil, nil
	}

	c.mu.RLock()
	members := make([]uuid.UUID, 0, len(c.members))
	for u := range c.members {
		members = append(members, u)
	}
	c.mu.RUnlock()

	out := make(map[uuid.UUID]*net.UDPAddr, len(members))
	for _, u := range members {
		if v, ok := d.endpoints.Load(u); ok {
			out[u] = v.(*net.UDPAddr)
		}
	}
	return out, nil
}

// RegisterEndpoint implements RecipientDirectory: records a user's current
// transport endpoint.
func (d *InMemory) RegisterEndpoint(userID uuid.UUID, addr *net.UDPAddr) {
	d.endpoints.Store(userID, addr)
}

// UnregisterEndpoint implements RecipientDirectory: removes a user's
// transport endpoint mapping, e.g. on connection eviction.
func (d *InMemory) UnregisterEndpoint(userID uuid.UUID) {
	d.endpoints.Delete(userID)
}

// Join admits a user to a channel and fires a UserJoined event. It errors
// with ErrChannelFull if the channel is already at capacity.
func (d *InMemory) Join(ctx context.Context, userID, channelID uuid.UUID, maxUsers int) error {
	c := d.channel(channelID, maxUsers)

	c.mu.Lock()
	if _, already := c.members[userID]; !already && len(c.members) >= c.maxUsers {
		c.mu.Unlock()
		return ErrChannelFull
	}
	c.members[userID] = struct{}{}
	c.mu.Unlock()

	d.notifier.Publish(ctx, Event{Kind: EventUserJoined, UserID: userID, ChannelID: channelID, At: time.Now()})
	return nil
}

// Leave removes a user from a channel and fires a UserLeft event.
func (d *InMemory) Leave(ctx context.Context, userID, channelID uuid.UUID) {
	d.mu.RLock()
	c, ok := d.channels[channelID]
	d.mu.RUnlock()
	if ok {
		c.mu.Lock()
		delete(c.members, userID)
		c.mu.Unlock()
	}
	d.endpoints.Delete(userID)
	d.notifier.Publish(ctx, Event{Kind: EventUserLeft, UserID: userID, ChannelID: channelID, At: time.Now()})
}

// joinTokenTTL is the lifetime of a signed channel-join token.
const joinTokenTTL = 1 * time.Hour

// JoinClaims holds the JWT claims for a channel-join token.
type JoinClaims struct {
	UserID    string `json:"uid"`
	ChannelID string `json:"cid"`
	jwt.RegisteredClaims
}

// MintJoinToken signs a join token authorizing userID to join channelID.
func (d *InMemory) MintJoinToken(userID, channelID uuid.UUID) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(joinTokenTTL)

	claims := JoinClaims{
		UserID:    userID.String(),
		ChannelID: channelID.String(),
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			Issuer:    "voicecore",
			Subject:   userID.String(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(d.jwtSecret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// VerifyJoinToken validates a join token and returns the (userID, channelID) it authorizes.
func (d *InMemory) VerifyJoinToken(tokenString string) (uuid.UUID, uuid.UUID, error) {
	claims := &JoinClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return d.jwtSecret, nil
	})
	if err != nil || !token.Valid {
		return uuid.Nil, uuid.Nil, ErrInvalidToken
	}

	userID, err := uuid.Parse(claims.UserID)
	if err != nil {
		return uuid.Nil, uuid.Nil, ErrInvalidToken
	}
	channelID, err := uuid.Parse(claims.ChannelID)
	if err != nil {
		return uuid.Nil, uuid.Nil, ErrInvalidToken
	}
	return userID, channelID, nil
}
