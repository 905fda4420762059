package venue

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/nenkoz/1launch-sub000/internal/settlement"
)

// ExecutionStrategy is one way of realizing a bid's tokens into USDC.
// The permit strategy is the default; tokens with special execution
// needs register an alternative under their own name.
type ExecutionStrategy interface {
	Name() string
	Execute(ctx context.Context, order settlement.SwapOrder) (*settlement.SwapReceipt, error)
}

// Registry maps bid tokens to execution strategies and itself implements
// settlement.SwapVenue, so the conversion stage stays strategy-agnostic.
type Registry struct {
	mu         sync.RWMutex
	def        ExecutionStrategy
	byName     map[string]ExecutionStrategy
	tokenRoute map[string]string // lowercase token -> strategy name
}

func NewRegistry(def ExecutionStrategy) *Registry {
	r := &Registry{
		def:        def,
		byName:     make(map[string]ExecutionStrategy),
		tokenRoute: make(map[string]string),
	}
	if def != nil {
		r.byName[def.Name()] = def
	}
	return r
}

func (r *Registry) Register(s ExecutionStrategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byName[s.Name()] = s
}

// Route directs a token's conversions to a named strategy. The strategy
// must be registered first.
func (r *Registry) Route(token, strategyName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byName[strategyName]; !ok {
		return fmt.Errorf("unknown execution strategy %q", strategyName)
	}
	r.tokenRoute[strings.ToLower(token)] = strategyName
	return nil
}

// Strategies lists registered strategy names, sorted.
func (r *Registry) Strategies() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.byName))
	for n := range r.byName {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) strategyFor(token string) (ExecutionStrategy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if name, ok := r.tokenRoute[strings.ToLower(token)]; ok {
		return r.byName[name], nil
	}
	if r.def == nil {
		return nil, fmt.Errorf("no execution strategy for token %s", token)
	}
	return r.def, nil
}

// QuoteAndExecute implements settlement.SwapVenue.
func (r *Registry) QuoteAndExecute(ctx context.Context, order settlement.SwapOrder) (*settlement.SwapReceipt, error) {
	s, err := r.strategyFor(order.FromToken)
	if err != nil {
		return nil, err
	}
	return s.Execute(ctx, order)
}

// PermitStrategy executes through the venue client with the bidder's
// pre-signed ERC-2612 permit. This is the only strategy the settlement
// service ships; the registry exists so others can slot in.
type PermitStrategy struct {
	client *Client
}

func NewPermitStrategy(client *Client) *PermitStrategy {
	return &PermitStrategy{client: client}
}

func (s *PermitStrategy) Name() string { return "permit" }

func (s *PermitStrategy) Execute(ctx context.Context, order settlement.SwapOrder) (*settlement.SwapReceipt, error) {
	if strings.TrimSpace(order.PermitJSON) == "" {
		return nil, fmt.Errorf("bid %s has no permit", order.BidID)
	}
	return s.client.QuoteAndExecute(ctx, order)
}
