// Package bots maps a bot id to a ready transport client and its health.
package bots

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/ManuelReschke/BotFox/app/models"
	"github.com/ManuelReschke/BotFox/app/repository"
	"github.com/ManuelReschke/BotFox/internal/pkg/messenger"
)

const (
	ReasonBotDisabled         = "Bot is disabled"
	ReasonSubscriptionInvalid = "Subscription is not active"
)

var ErrBotNotFound = errors.New("bot not found")

// Resolved is a bot ready for sending, or the reason it must not be used
type Resolved struct {
	Bot          *models.Bot
	Subscription *models.Subscription
	Client       *messenger.Client
	Healthy      bool
	Reason       string
}

// Invalidator forgets cached state about a subscription that is no longer usable
type Invalidator interface {
	InvalidateSubscription(ctx context.Context, subscriptionID uint) error
}

type cachedClient struct {
	token     string
	rateLimit int
	client    *messenger.Client
}

// Resolver loads bots and hands out one memoized Client per bot
type Resolver struct {
	bots     repository.BotRepository
	subs     repository.SubscriptionRepository
	registry *messenger.Registry
	opts     messenger.ClientOptions
	invalid  Invalidator

	mu      sync.Mutex
	clients map[uint]*cachedClient
	now     func() time.Time
}

// NewResolver creates a resolver. The registry, when given, forgets the sender
// set of a client that is replaced after a token change.
func NewResolver(bots repository.BotRepository, subs repository.SubscriptionRepository, registry *messenger.Registry, opts messenger.ClientOptions) *Resolver {
	return &Resolver{
		bots:     bots,
		subs:     subs,
		registry: registry,
		opts:     opts,
		clients:  make(map[uint]*cachedClient),
		now:      time.Now,
	}
}

// WithInvalidator makes Resolve report every invalid subscription it sees to inv
func (r *Resolver) WithInvalidator(inv Invalidator) *Resolver {
	r.invalid = inv
	return r
}

// Resolve returns the bot with its health. Only a missing bot is an error.
func (r *Resolver) Resolve(ctx context.Context, botID uint) (*Resolved, error) {
	bot, err := r.bots.GetByID(ctx, botID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrBotNotFound
		}
		return nil, err
	}

	resolved := &Resolved{Bot: bot, Healthy: true}
	if !bot.IsActive {
		resolved.Healthy = false
		resolved.Reason = ReasonBotDisabled
		return resolved, nil
	}

	sub, err := r.subs.GetByID(ctx, bot.SubscriptionID)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	if sub == nil || !sub.IsValid(r.now()) {
		resolved.Healthy = false
		resolved.Reason = ReasonSubscriptionInvalid
		if r.invalid != nil {
			if err := r.invalid.InvalidateSubscription(ctx, bot.SubscriptionID); err != nil {
				log.Warnf("[Bots] Failed to invalidate subscription %d: %v", bot.SubscriptionID, err)
			}
		}
		return resolved, nil
	}

	resolved.Subscription = sub
	resolved.Client = r.clientFor(bot)
	return resolved, nil
}

func (r *Resolver) clientFor(bot *models.Bot) *messenger.Client {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cached, ok := r.clients[bot.ID]; ok {
		if cached.token == bot.Token && cached.rateLimit == bot.RateLimit {
			return cached.client
		}
		log.Infof("[Bots] Credentials of bot %d changed, rebuilding client", bot.ID)
		if r.registry != nil {
			r.registry.Forget(cached.client.Key())
		}
	}

	opts := r.opts
	opts.RateLimit = bot.RateLimit
	client := messenger.NewClient(bot.Token, opts)
	r.clients[bot.ID] = &cachedClient{token: bot.Token, rateLimit: bot.RateLimit, client: client}
	return client
}
