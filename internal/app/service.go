package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"slateboard/api/internal/attach"
	"slateboard/api/internal/auth"
	"slateboard/api/internal/config"
	"slateboard/api/internal/document"
	"slateboard/api/internal/presence"
	"slateboard/api/internal/ratelimit"
	"slateboard/api/internal/rbac"
	"slateboard/api/internal/room"
	"slateboard/api/internal/store"
	"slateboard/api/internal/util"
)

type dataStore interface {
	Ping(context.Context) error
	GetUserByID(context.Context, string) (store.User, error)
	GetBoardChain(context.Context, string) (store.BoardChain, error)
	GetCategory(context.Context, string) (store.Category, error)
	GetGroup(context.Context, string) (store.Group, error)
	ListGrantsForUser(context.Context, string) ([]rbac.Grant, error)
	ListGrantsForResources(context.Context, rbac.Chain) ([]rbac.Grant, error)
	RedeemInvite(ctx context.Context, inviteID, userID string) (int, error)
}

// Service is the realtime engine's facade: admission, edits, attachments,
// presence, and access resolution. The transport layer (HTTP here, the
// websocket gateway in production) calls into it and never touches rooms
// directly.
type Service struct {
	cfg         config.Config
	store       dataStore
	registry    *room.Registry
	scheduler   *room.Scheduler
	tracker     *presence.Tracker
	attachments *attach.Service
	notifier    presence.Notifier
	limiter     *ratelimit.Limiter
	sessions    *sessionRegistry
	log         zerolog.Logger
}

func New(
	cfg config.Config,
	dataStore dataStore,
	registry *room.Registry,
	scheduler *room.Scheduler,
	tracker *presence.Tracker,
	attachments *attach.Service,
	notifier presence.Notifier,
	limiter *ratelimit.Limiter,
	log zerolog.Logger,
) *Service {
	s := &Service{
		cfg:         cfg,
		store:       dataStore,
		registry:    registry,
		scheduler:   scheduler,
		tracker:     tracker,
		attachments: attachments,
		notifier:    notifier,
		limiter:     limiter,
		log:         log,
	}
	s.sessions = newSessionRegistry(func(boardID, connID string) {
		s.log.Info().Str("board", boardID).Str("conn", connID).Msg("session ttl reached, disconnecting")
		s.notifier.CloseConn(boardID, connID)
		s.tracker.Leave(context.Background(), boardID, connID)
	})
	// A corrupt snapshot makes the board unavailable: drop its sessions
	// and sever its broadcast channel.
	registry.OnFatal(func(boardID string) {
		for _, connID := range s.sessions.RemoveBoard(boardID) {
			s.notifier.CloseConn(boardID, connID)
		}
		s.notifier.CloseBoard(boardID)
	})
	return s
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// InternalToken authenticates service-to-service callers, such as the
// CRUD surface resolving access levels.
func (s *Service) InternalToken() string {
	return s.cfg.InternalToken
}

// Admission is the outcome of a successful admit.
type Admission struct {
	Accepted  bool      `json:"accepted"`
	CanEdit   bool      `json:"canEdit"`
	ConnID    string    `json:"connId"`
	BoardID   string    `json:"boardId"`
	UserID    string    `json:"userId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Admit resolves a connection token against a board and, when the user
// holds at least read access, joins them to the board's room. Every check
// runs before any room hydration: a denied user costs no durable read.
func (s *Service) Admit(ctx context.Context, token, boardID string) (Admission, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.TokenSecret), token)
	if err != nil {
		return Admission{}, denied("invalid or expired token")
	}

	if !s.limiter.Allow(ctx, claims.Sub) {
		return Admission{}, domainError(http.StatusTooManyRequests, CodeRateLimited, "Too many connection attempts")
	}

	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if errors.Is(err, store.ErrNotFound) {
		return Admission{}, denied("unknown user")
	}
	if err != nil {
		return Admission{}, fmt.Errorf("resolve user: %w", err)
	}

	chain, err := s.store.GetBoardChain(ctx, boardID)
	if errors.Is(err, store.ErrNotFound) {
		return Admission{}, denied("unknown board")
	}
	if err != nil {
		return Admission{}, fmt.Errorf("resolve board: %w", err)
	}

	grants, err := s.store.ListGrantsForUser(ctx, user.ID)
	if err != nil {
		return Admission{}, fmt.Errorf("resolve grants: %w", err)
	}

	resourceChain := boardResourceChain(chain)
	role, ok := rbac.HighestRole(grants, resourceChain, user.IsSuperuser)
	if !ok {
		return Admission{}, denied("no access to this board")
	}
	level, ok := rbac.LevelFor(role, rbac.ScopeBoard)
	if !ok {
		return Admission{}, denied("no access to this board")
	}
	canEdit := levelReaches(level, rbac.AccessWrite)
	canManage := levelReaches(level, rbac.AccessManage)

	rm, err := s.registry.GetOrCreate(ctx, boardID)
	if err != nil {
		return Admission{}, fmt.Errorf("open room: %w", err)
	}

	connID := util.NewID("conn")
	session := Session{
		ConnID:    connID,
		UserID:    user.ID,
		UserName:  claims.Name,
		BoardID:   boardID,
		Role:      role,
		CanEdit:   canEdit,
		CanManage: canManage,
	}
	s.sessions.Register(session, s.cfg.SessionTTL)

	s.tracker.Join(rm, room.Collaborator{
		UserID:  user.ID,
		Name:    claims.Name,
		Avatar:  claims.Avatar,
		ConnID:  connID,
		CanEdit: canEdit,
	})

	s.log.Info().Str("board", boardID).Str("user", user.ID).Str("role", string(role)).Msg("session admitted")
	return Admission{
		Accepted:  true,
		CanEdit:   canEdit,
		ConnID:    connID,
		BoardID:   boardID,
		UserID:    user.ID,
		ExpiresAt: time.Now().Add(s.cfg.SessionTTL),
	}, nil
}

// ApplyEdit reconciles a client's element batch into the board's live
// document and returns the merged result. Edits from read-only sessions
// are rejected outright, never silently downgraded.
func (s *Service) ApplyEdit(ctx context.Context, connID, boardID string, elements []document.Element, transientIDs []string) ([]document.Element, error) {
	session, err := s.boardSession(connID, boardID)
	if err != nil {
		return nil, err
	}
	if !session.CanEdit {
		return nil, domainError(http.StatusForbidden, CodePermissionInsufficient, "Session has no edit access")
	}

	rm, err := s.registry.GetOrCreate(ctx, boardID)
	if err != nil {
		return nil, fmt.Errorf("open room: %w", err)
	}
	return rm.ApplyRemote(elements, transientIDs), nil
}

// AddAttachments stores a batch of attachments for the board and
// broadcasts the per-batch outcome to the room.
func (s *Service) AddAttachments(ctx context.Context, connID, boardID string, items []attach.Item) (attach.AddResult, error) {
	session, err := s.boardSession(connID, boardID)
	if err != nil {
		return attach.AddResult{}, err
	}
	if !session.CanEdit {
		return attach.AddResult{}, domainError(http.StatusForbidden, CodePermissionInsufficient, "Session has no edit access")
	}

	rm, err := s.registry.GetOrCreate(ctx, boardID)
	if err != nil {
		return attach.AddResult{}, fmt.Errorf("open room: %w", err)
	}
	result := s.attachments.Add(ctx, rm, items)
	s.tracker.NotifyAttachments(boardID, result)
	return result, nil
}

// QueueRemoveAttachments enqueues attachment ids for deletion at room
// teardown.
func (s *Service) QueueRemoveAttachments(_ context.Context, connID, boardID string, ids []string) error {
	session, err := s.boardSession(connID, boardID)
	if err != nil {
		return err
	}
	if !session.CanEdit {
		return domainError(http.StatusForbidden, CodePermissionInsufficient, "Session has no edit access")
	}
	rm := s.registry.Get(boardID)
	if rm == nil {
		return nil
	}
	s.attachments.QueueRemove(rm, ids)
	return nil
}

// Leave detaches a connection from its board.
func (s *Service) Leave(ctx context.Context, connID, boardID string) {
	s.sessions.Remove(connID)
	s.tracker.Leave(ctx, boardID, connID)
}

// SetPresence updates a collaborator's presence state from a client
// signal.
func (s *Service) SetPresence(connID, boardID string, state room.PresenceState) error {
	if _, err := s.boardSession(connID, boardID); err != nil {
		return err
	}
	switch state {
	case room.StateActive, room.StateIdle, room.StateAway:
	default:
		return domainError(http.StatusUnprocessableEntity, CodeValidation, "Unknown presence state")
	}
	if !s.tracker.SetState(boardID, connID, state) {
		return domainError(http.StatusNotFound, CodeNotFound, "Connection not in room")
	}
	return nil
}

// BoardSnapshot is the admin inspection view of a room.
type BoardSnapshot struct {
	BoardID       string              `json:"boardId"`
	Version       int64               `json:"version"`
	Document      []document.Element  `json:"document"`
	Collaborators []room.Collaborator `json:"collaborators"`
}

// Snapshot returns the live document and roster. A board with no live
// room is hydrated for inspection and evicted again if nobody joined
// meanwhile.
func (s *Service) Snapshot(ctx context.Context, boardID string) (BoardSnapshot, error) {
	live := s.registry.Get(boardID) != nil
	rm, err := s.registry.GetOrCreate(ctx, boardID)
	if err != nil {
		return BoardSnapshot{}, fmt.Errorf("open room: %w", err)
	}
	snapshot := BoardSnapshot{
		BoardID:       boardID,
		Version:       rm.Version(),
		Document:      rm.Snapshot(),
		Collaborators: rm.Collaborators(),
	}
	if !live {
		s.registry.Evict(boardID)
	}
	return snapshot, nil
}

// Kick forcibly removes a user's collaborator from the board. The session
// is revoked at once; the room-side close follows after the grace period.
// Returns false when the user has no connection there.
func (s *Service) Kick(_ context.Context, boardID, userID string) bool {
	connID, ok := s.tracker.Kick(boardID, userID)
	if !ok {
		return false
	}
	s.sessions.Remove(connID)
	s.log.Info().Str("board", boardID).Str("user", userID).Str("conn", connID).Msg("session kicked")
	return true
}

// ResolveAccessLevel computes a user's effective access on any resource
// in the hierarchy. Consumed by the external CRUD surface for its own
// authorization decisions.
func (s *Service) ResolveAccessLevel(ctx context.Context, userID string, resource rbac.Resource) (rbac.AccessLevel, bool, error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("resolve user: %w", err)
	}

	chain, err := s.resourceChain(ctx, resource)
	if err != nil {
		return "", false, err
	}
	grants, err := s.store.ListGrantsForUser(ctx, userID)
	if err != nil {
		return "", false, fmt.Errorf("resolve grants: %w", err)
	}
	level, ok := rbac.Access(grants, chain, user.IsSuperuser)
	return level, ok, nil
}

// AccessList aggregates every user's effective grant on a board, with
// explicit/implicit provenance.
func (s *Service) AccessList(ctx context.Context, boardID string) ([]rbac.EffectiveGrant, error) {
	chain, err := s.resourceChain(ctx, rbac.Resource{Scope: rbac.ScopeBoard, ID: boardID})
	if err != nil {
		return nil, err
	}
	grants, err := s.store.ListGrantsForResources(ctx, chain)
	if err != nil {
		return nil, fmt.Errorf("list grants: %w", err)
	}
	aggregated := rbac.Aggregate(grants, chain)
	out := make([]rbac.EffectiveGrant, 0, len(aggregated))
	for _, row := range aggregated {
		out = append(out, row)
	}
	return out, nil
}

// RedeemInvite applies an invite's grant bundle to the token's user.
func (s *Service) RedeemInvite(ctx context.Context, token, inviteID string) (int, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.TokenSecret), token)
	if err != nil {
		return 0, denied("invalid or expired token")
	}
	upgraded, err := s.store.RedeemInvite(ctx, inviteID, claims.Sub)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return 0, domainError(http.StatusNotFound, CodeNotFound, "Invite not found")
	case errors.Is(err, store.ErrInviteExpired):
		return 0, domainError(http.StatusGone, CodeInviteExpired, "Invite has expired")
	case errors.Is(err, store.ErrInviteExhausted):
		return 0, domainError(http.StatusGone, CodeInviteExhausted, "Invite has no uses left")
	case err != nil:
		return 0, fmt.Errorf("redeem invite: %w", err)
	}
	return upgraded, nil
}

// Shutdown flushes all live rooms.
func (s *Service) Shutdown(ctx context.Context) {
	s.scheduler.Sweep(ctx)
}

func (s *Service) boardSession(connID, boardID string) (Session, error) {
	session, ok := s.sessions.Get(connID)
	if !ok || session.BoardID != boardID {
		return Session{}, domainError(http.StatusUnauthorized, CodeSessionUnknown, "No live session for this board")
	}
	return session, nil
}

func (s *Service) resourceChain(ctx context.Context, resource rbac.Resource) (rbac.Chain, error) {
	switch resource.Scope {
	case rbac.ScopeBoard:
		chain, err := s.store.GetBoardChain(ctx, resource.ID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, domainError(http.StatusNotFound, CodeNotFound, "Board not found")
		}
		if err != nil {
			return nil, fmt.Errorf("resolve board: %w", err)
		}
		return boardResourceChain(chain), nil
	case rbac.ScopeCategory:
		category, err := s.store.GetCategory(ctx, resource.ID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, domainError(http.StatusNotFound, CodeNotFound, "Category not found")
		}
		if err != nil {
			return nil, fmt.Errorf("resolve category: %w", err)
		}
		return rbac.Chain{
			{Scope: rbac.ScopeCategory, ID: category.ID},
			{Scope: rbac.ScopeGroup, ID: category.GroupID},
		}, nil
	case rbac.ScopeGroup:
		group, err := s.store.GetGroup(ctx, resource.ID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, domainError(http.StatusNotFound, CodeNotFound, "Group not found")
		}
		if err != nil {
			return nil, fmt.Errorf("resolve group: %w", err)
		}
		return rbac.Chain{{Scope: rbac.ScopeGroup, ID: group.ID}}, nil
	default:
		return nil, domainError(http.StatusUnprocessableEntity, CodeValidation, "Unknown scope")
	}
}

func boardResourceChain(chain store.BoardChain) rbac.Chain {
	return rbac.Chain{
		{Scope: rbac.ScopeBoard, ID: chain.Board.ID},
		{Scope: rbac.ScopeCategory, ID: chain.Category.ID},
		{Scope: rbac.ScopeGroup, ID: chain.Group.ID},
	}
}

func levelReaches(level, want rbac.AccessLevel) bool {
	order := map[rbac.AccessLevel]int{
		rbac.AccessRead:   1,
		rbac.AccessWrite:  2,
		rbac.AccessManage: 3,
		rbac.AccessAdmin:  4,
	}
	return order[level] >= order[want]
}

func denied(message string) *DomainError {
	return domainError(http.StatusForbidden, CodeAdmissionDenied, message)
}
