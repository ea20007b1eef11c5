package fetch

import (
	"context"
	"errors"
	"log"

	"github.com/Zhalslar/api-aggregator/pkg/domain"
)

// ErrUnavailable means both the network path and the local fallback failed
var ErrUnavailable = errors.New("content unavailable")

// ContentStore is the cache side of acquisition
type ContentStore interface {
	Save(res *domain.DataResource) error
	Sample(t domain.DataType, name string) (*domain.DataResource, error)
}

// Service composes the fetch client with the content store: network first,
// persist on success, random cached sample on failure.
type Service struct {
	client *Client
	store  ContentStore
}

// NewService creates the acquisition service
func NewService(client *Client, store ContentStore) *Service {
	return &Service{client: client, store: store}
}

// Client exposes the underlying fetch client, shared with batch verification
func (s *Service) Client() *Client { return s.client }

// Acquire fetches content for the entry and persists it, falling back to a
// cached sample when the remote path fails. Returns ErrUnavailable when
// both paths are exhausted.
func (s *Service) Acquire(ctx context.Context, entry *domain.APIEntry) (*domain.DataResource, error) {
	result := s.client.Fetch(ctx, entry)
	if result.OK() {
		res := &domain.DataResource{
			Type:   entry.Type,
			Name:   entry.Name,
			Text:   result.Text,
			Binary: result.Body,
		}
		if err := s.store.Save(res); err != nil {
			log.Printf("[WARN] save failed [%s]: %v", entry.Name, err)
		} else {
			return res, nil
		}
	} else {
		log.Printf("[WARN] api call failed [%s]: %s", entry.Name, result.Err)
	}

	sample, err := s.store.Sample(entry.Type, entry.Name)
	if err != nil {
		log.Printf("[WARN] local fallback failed [%s]: %v", entry.Name, err)
		return nil, ErrUnavailable
	}
	return sample, nil
}
