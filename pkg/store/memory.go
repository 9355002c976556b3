package store

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/go-go-golems/marionette/pkg/protocol"
)

// MemoryStore is the default Store: everything in process memory, item order
// by insertion. Safe for concurrent use.
type MemoryStore struct {
	IDGenerator

	mu          sync.Mutex
	threads     map[string]*protocol.Thread
	items       map[string][]protocol.Item // threadID -> ordered items
	attachments map[string]protocol.Attachment
}

var _ Store = &MemoryStore{}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		IDGenerator: NewCounterIDs(),
		threads:     map[string]*protocol.Thread{},
		items:       map[string][]protocol.Item{},
		attachments: map[string]protocol.Attachment{},
	}
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) SaveThread(_ context.Context, th *protocol.Thread) error {
	if th == nil || th.ID == "" {
		return errors.New("memory store: thread id is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.threads[th.ID] = th.Clone()
	return nil
}

func (s *MemoryStore) LoadThread(_ context.Context, threadID string) (*protocol.Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	th, ok := s.threads[threadID]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "thread %s", threadID)
	}
	return th.Clone(), nil
}

func (s *MemoryStore) DeleteThread(_ context.Context, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.threads[threadID]; !ok {
		return errors.Wrapf(ErrNotFound, "thread %s", threadID)
	}
	delete(s.threads, threadID)
	delete(s.items, threadID)
	return nil
}

func (s *MemoryStore) ListThreads(_ context.Context, after string, limit int, order Order) (ThreadPage, error) {
	limit = clampLimit(limit)
	order = normalizeOrder(order)

	s.mu.Lock()
	defer s.mu.Unlock()

	all := make([]*protocol.Thread, 0, len(s.threads))
	for _, th := range s.threads {
		all = append(all, th)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID < all[j].ID
		}
		return all[i].CreatedAt.Before(all[j].CreatedAt)
	})
	if order == OrderDesc {
		for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
			all[i], all[j] = all[j], all[i]
		}
	}

	start := 0
	if after != "" {
		for i, th := range all {
			if th.ID == after {
				start = i + 1
				break
			}
		}
	}

	page := ThreadPage{}
	for i := start; i < len(all) && len(page.Threads) < limit; i++ {
		page.Threads = append(page.Threads, all[i].Clone())
	}
	if n := len(page.Threads); n > 0 {
		page.After = page.Threads[n-1].ID
		page.HasMore = start+n < len(all)
	}
	return page, nil
}

func (s *MemoryStore) AddItem(_ context.Context, threadID string, item protocol.Item) error {
	if item == nil || item.Base().ID == "" {
		return errors.New("memory store: item id is empty")
	}
	clone, err := protocol.CloneItem(item)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.threads[threadID]; !ok {
		return errors.Wrapf(ErrNotFound, "thread %s", threadID)
	}
	for _, existing := range s.items[threadID] {
		if existing.Base().ID == item.Base().ID {
			return errors.Errorf("memory store: item %s already exists", item.Base().ID)
		}
	}
	s.items[threadID] = append(s.items[threadID], clone)
	return nil
}

func (s *MemoryStore) SaveItem(_ context.Context, threadID string, item protocol.Item) error {
	if item == nil || item.Base().ID == "" {
		return errors.New("memory store: item id is empty")
	}
	clone, err := protocol.CloneItem(item)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.items[threadID]
	for i, existing := range list {
		if existing.Base().ID == item.Base().ID {
			list[i] = clone
			return nil
		}
	}
	return errors.Wrapf(ErrNotFound, "item %s", item.Base().ID)
}

func (s *MemoryStore) LoadItem(_ context.Context, threadID, itemID string) (protocol.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, item := range s.items[threadID] {
		if item.Base().ID == itemID {
			return protocol.CloneItem(item)
		}
	}
	return nil, errors.Wrapf(ErrNotFound, "item %s", itemID)
}

func (s *MemoryStore) DeleteItem(_ context.Context, threadID, itemID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.items[threadID]
	for i, item := range list {
		if item.Base().ID == itemID {
			s.items[threadID] = append(list[:i], list[i+1:]...)
			return nil
		}
	}
	return errors.Wrapf(ErrNotFound, "item %s", itemID)
}

func (s *MemoryStore) LoadItems(_ context.Context, threadID, after string, limit int, order Order) (ItemPage, error) {
	limit = clampLimit(limit)
	order = normalizeOrder(order)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.threads[threadID]; !ok {
		return ItemPage{}, errors.Wrapf(ErrNotFound, "thread %s", threadID)
	}

	list := s.items[threadID]
	ordered := make([]protocol.Item, len(list))
	copy(ordered, list)
	if order == OrderDesc {
		for i, j := 0, len(ordered)-1; i < j; i, j = i+1, j-1 {
			ordered[i], ordered[j] = ordered[j], ordered[i]
		}
	}

	start := 0
	if after != "" {
		for i, item := range ordered {
			if item.Base().ID == after {
				start = i + 1
				break
			}
		}
	}

	page := ItemPage{}
	for i := start; i < len(ordered) && len(page.Items) < limit; i++ {
		clone, err := protocol.CloneItem(ordered[i])
		if err != nil {
			return ItemPage{}, err
		}
		page.Items = append(page.Items, clone)
	}
	if n := len(page.Items); n > 0 {
		page.After = page.Items[n-1].Base().ID
		page.HasMore = start+n < len(ordered)
	}
	return page, nil
}

func (s *MemoryStore) SaveAttachment(_ context.Context, att protocol.Attachment) error {
	if att.ID == "" {
		return errors.New("memory store: attachment id is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attachments[att.ID] = att
	return nil
}

func (s *MemoryStore) LoadAttachment(_ context.Context, attachmentID string) (protocol.Attachment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	att, ok := s.attachments[attachmentID]
	if !ok {
		return protocol.Attachment{}, errors.Wrapf(ErrNotFound, "attachment %s", attachmentID)
	}
	return att, nil
}

func (s *MemoryStore) DeleteAttachment(_ context.Context, attachmentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.attachments[attachmentID]; !ok {
		return errors.Wrapf(ErrNotFound, "attachment %s", attachmentID)
	}
	delete(s.attachments, attachmentID)
	return nil
}
