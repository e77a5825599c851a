package messenger

import (
	"container/list"
	"context"
	"sync"

	"github.com/gofiber/fiber/v2/log"
)

// DefaultRegistrySize bounds the number of cached sender sets
const DefaultRegistrySize = 1024

// SenderSet is the kind-to-sender mapping bound to one Client
type SenderSet struct {
	client  *Client
	senders map[MessageKind]Sender
}

// For returns the sender for a kind
func (s *SenderSet) For(kind MessageKind) (Sender, error) {
	parsed, err := ParseKind(string(kind))
	if err != nil {
		return nil, err
	}
	sender, ok := s.senders[parsed]
	if !ok {
		return nil, &UnsupportedKindError{Kind: string(kind)}
	}
	return sender, nil
}

// Send routes req to the sender of its kind
func (s *SenderSet) Send(ctx context.Context, req SendRequest) (*Result, error) {
	sender, err := s.For(req.Kind)
	if err != nil {
		return nil, err
	}
	return sender.Send(ctx, req)
}

// Len returns the number of kinds the set can send
func (s *SenderSet) Len() int {
	return len(s.senders)
}

func buildSenderSet(client *Client) *SenderSet {
	set := &SenderSet{client: client, senders: make(map[MessageKind]Sender, len(Kinds))}
	set.senders[KindText] = &textSender{client: client}
	for _, kind := range Kinds {
		if kind.IsMedia() {
			set.senders[kind] = newMediaSender(client, kind)
		}
	}
	return set
}

type registryEntry struct {
	key  string
	once sync.Once
	set  *SenderSet
	elem *list.Element
}

// Registry memoizes one SenderSet per Client key. Concurrent first lookups of
// the same key build the set exactly once.
type Registry struct {
	mu       sync.Mutex
	entries  map[string]*registryEntry
	order    *list.List
	capacity int
	builds   int
}

// NewRegistry creates a registry holding at most capacity sender sets
func NewRegistry(capacity int) *Registry {
	if capacity <= 0 {
		capacity = DefaultRegistrySize
	}
	return &Registry{
		entries:  make(map[string]*registryEntry),
		order:    list.New(),
		capacity: capacity,
	}
}

// SendersFor returns the memoized sender set of a client
func (r *Registry) SendersFor(client *Client) *SenderSet {
	key := client.Key()

	r.mu.Lock()
	entry, ok := r.entries[key]
	if !ok {
		entry = &registryEntry{key: key}
		entry.elem = r.order.PushBack(entry)
		r.entries[key] = entry
		r.evictLocked()
	}
	r.mu.Unlock()

	entry.once.Do(func() {
		entry.set = buildSenderSet(client)
		r.mu.Lock()
		r.builds++
		r.mu.Unlock()
		log.Debugf("[Messenger] Built sender set for client %s", key)
	})
	return entry.set
}

// Sender resolves the sender for a kind on the given client
func (r *Registry) Sender(client *Client, kind MessageKind) (Sender, error) {
	return r.SendersFor(client).For(kind)
}

// Len returns the number of cached sender sets
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Forget drops the sender set of a client, e.g. after its token changed
func (r *Registry) Forget(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.entries[key]; ok {
		r.order.Remove(entry.elem)
		delete(r.entries, key)
	}
}

func (r *Registry) evictLocked() {
	for len(r.entries) > r.capacity {
		oldest := r.order.Front()
		if oldest == nil {
			return
		}
		entry := oldest.Value.(*registryEntry)
		r.order.Remove(oldest)
		delete(r.entries, entry.key)
	}
}
