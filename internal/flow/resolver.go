package flow

import (
	"log/slog"
	"strings"

	"github.com/relasapp/relas/internal/models"
	"github.com/relasapp/relas/internal/store"
)

// ConversationSIDPrefix is prepended to the user id when naming provider
// conversation threads, so thread callbacks can be mapped back to a user.
const ConversationSIDPrefix = "relas-"

// Resolver maps inbound addresses to subscribed users. The not-found and
// not-subscribed branches collapse into ok=false for the caller; the
// distinction is logged only.
type Resolver struct {
	store store.Store
}

// NewResolver creates a Resolver on top of the store.
func NewResolver(s store.Store) *Resolver {
	return &Resolver{store: s}
}

// ResolveByAddress strips the transport prefix from a provider address,
// looks the user up by phone, and enforces the subscription gate. Returns
// the bare phone, the implied channel, and the user when resolution
// succeeds.
func (r *Resolver) ResolveByAddress(address string) (string, models.Channel, *models.User, bool) {
	phone, channel := models.StripChannelPrefix(address)
	user, err := r.store.GetUserByPhone(phone)
	if err != nil {
		slog.Error("Resolver.ResolveByAddress: lookup failed", "error", err, "phone", phone)
		return phone, channel, nil, false
	}
	if user == nil {
		slog.Info("Resolver.ResolveByAddress: no user for phone", "phone", phone)
		return phone, channel, nil, false
	}
	if !user.IsSubscribed {
		slog.Info("Resolver.ResolveByAddress: user exists but is not subscribed", "userID", user.ID)
		return phone, channel, nil, false
	}
	return phone, channel, user, true
}

// ResolveByConversationSID extracts the user id encoded in a provider
// conversation SID and enforces the subscription gate.
func (r *Resolver) ResolveByConversationSID(conversationSID string) (*models.User, bool) {
	userID := strings.TrimPrefix(conversationSID, ConversationSIDPrefix)
	user, err := r.store.GetUserByID(userID)
	if err != nil {
		slog.Error("Resolver.ResolveByConversationSID: lookup failed", "error", err, "userID", userID)
		return nil, false
	}
	if user == nil {
		slog.Info("Resolver.ResolveByConversationSID: no user for id", "userID", userID)
		return nil, false
	}
	if !user.IsSubscribed {
		slog.Info("Resolver.ResolveByConversationSID: user exists but is not subscribed", "userID", user.ID)
		return nil, false
	}
	return user, true
}
