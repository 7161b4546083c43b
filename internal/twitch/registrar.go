package twitch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Helix is the subset of the Helix API the registrar needs.
type Helix interface {
	UserID(ctx context.Context, login string) (string, error)
	CreateSubscription(ctx context.Context, req SubscriptionRequest) error
}

// subscriptionSpec describes one EventSub subscription the feed relies on.
type subscriptionSpec struct {
	Type    string
	Version string
	// condition builds the subscription condition from the broadcaster id.
	condition func(broadcasterID string) map[string]string
}

func broadcasterCondition(id string) map[string]string {
	return map[string]string{"broadcaster_user_id": id}
}

var subscriptions = []subscriptionSpec{
	{TypeFollow, "2", func(id string) map[string]string {
		return map[string]string{"broadcaster_user_id": id, "moderator_user_id": id}
	}},
	{TypeSubscribe, "1", broadcasterCondition},
	{TypeSubscriptionMsg, "1", broadcasterCondition},
	{TypeSubscriptionGift, "1", broadcasterCondition},
	{TypeCheer, "1", broadcasterCondition},
	{TypeRedemption, "1", broadcasterCondition},
	{TypeRaid, "1", func(id string) map[string]string {
		return map[string]string{"to_broadcaster_user_id": id}
	}},
}

// RegistrarConfig configures EventSub registration.
type RegistrarConfig struct {
	BroadcasterLogin string
	CallbackURL      string
	Secret           string
	RetryInterval    time.Duration
}

// Registrar makes sure the webhook subscriptions exist.
type Registrar struct {
	helix  Helix
	cfg    RegistrarConfig
	logger *zap.Logger
}

// NewRegistrar creates a registrar.
func NewRegistrar(helix Helix, cfg RegistrarConfig, logger *zap.Logger) *Registrar {
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 5 * time.Minute
	}
	return &Registrar{helix: helix, cfg: cfg, logger: logger}
}

// RegisterResult summarizes one registration pass.
type RegisterResult struct {
	BroadcasterID string
	Created       []string
	Existing      []string
	Failed        map[string]error
}

// Register resolves the broadcaster and creates every subscription. Existing
// subscriptions count as success. The returned error joins all failures.
func (r *Registrar) Register(ctx context.Context) (RegisterResult, error) {
	result := RegisterResult{Failed: make(map[string]error)}

	if r.cfg.BroadcasterLogin == "" || r.cfg.CallbackURL == "" || r.cfg.Secret == "" {
		return result, errors.New("registrar: broadcaster login, callback url and secret are required")
	}

	id, err := r.helix.UserID(ctx, r.cfg.BroadcasterLogin)
	if err != nil {
		return result, fmt.Errorf("resolving broadcaster %q: %w", r.cfg.BroadcasterLogin, err)
	}
	result.BroadcasterID = id

	var errs []error
	for _, st := range subscriptions {
		req := SubscriptionRequest{
			Type:      st.Type,
			Version:   st.Version,
			Condition: st.condition(id),
			Transport: Transport{
				Method:   "webhook",
				Callback: r.cfg.CallbackURL,
				Secret:   r.cfg.Secret,
			},
		}

		err := r.helix.CreateSubscription(ctx, req)
		switch {
		case err == nil:
			result.Created = append(result.Created, st.Type)
			r.logger.Info("created eventsub subscription", zap.String("type", st.Type))
		case errors.Is(err, ErrConflict):
			result.Existing = append(result.Existing, st.Type)
			r.logger.Debug("eventsub subscription exists", zap.String("type", st.Type))
		default:
			if ctx.Err() != nil {
				return result, ctx.Err()
			}
			result.Failed[st.Type] = err
			errs = append(errs, fmt.Errorf("%s: %w", st.Type, err))
			r.logger.Warn("failed to create eventsub subscription",
				zap.String("type", st.Type), zap.Error(err))
		}
	}

	return result, errors.Join(errs...)
}

// Run registers until a pass succeeds or ctx is cancelled, waiting
// RetryInterval between passes.
func (r *Registrar) Run(ctx context.Context) {
	for {
		result, err := r.Register(ctx)
		if err == nil {
			r.logger.Info("eventsub registration complete",
				zap.String("broadcaster_id", result.BroadcasterID),
				zap.Strings("created", result.Created),
				zap.Strings("existing", result.Existing))
			return
		}
		if ctx.Err() != nil {
			return
		}

		r.logger.Error("eventsub registration failed, will retry",
			zap.Duration("retry_in", r.cfg.RetryInterval), zap.Error(err))

		select {
		case <-ctx.Done():
			return
		case <-time.After(r.cfg.RetryInterval):
		}
	}
}
