package sdmapi

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

type Structure struct {
	Name string

	client *Client

	mu     sync.Mutex
	traits Document
}

type Room struct {
	Name string

	traits Document
}

type resource struct {
	Name   string   `json:"name"`
	Traits Document `json:"traits"`
}

func decodeResource(doc Document) (resource, error) {
	var res resource
	if err := doc.Decode(&res); err != nil {
		return res, err
	}
	if res.Traits == nil {
		res.Traits = Document{}
	}
	return res, nil
}

// NewStructure builds a structure from its API representation
func NewStructure(client *Client, doc Document) (*Structure, error) {
	res, err := decodeResource(doc)
	if err != nil {
		return nil, errors.Wrap(err, "decoding structure")
	}

	return &Structure{
		Name:   res.Name,
		client: client,
		traits: res.Traits,
	}, nil
}

func (s *Structure) ID() string {
	return ShortName(s.Name)
}

func (s *Structure) Traits() Document {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.traits.Clone()
}

func (s *Structure) Info() *StructureInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := &StructureInfo{}
	Project(s.traits, t)
	return t
}

// Rooms fetches the structure's rooms.  They are not cached.
func (s *Structure) Rooms(ctx context.Context) ([]*Room, error) {
	if s.client == nil {
		return nil, errors.New("structure has no api client")
	}

	docs, err := s.client.ListRooms(ctx, s.Name)
	if err != nil {
		return nil, err
	}

	rooms := make([]*Room, 0, len(docs))
	for _, doc := range docs {
		res, err := decodeResource(doc)
		if err != nil {
			return nil, errors.Wrap(err, "decoding room")
		}
		rooms = append(rooms, &Room{Name: res.Name, traits: res.Traits})
	}

	return rooms, nil
}

func (r *Room) ID() string {
	return ShortName(r.Name)
}

func (r *Room) Traits() Document {
	return r.traits.Clone()
}

func (r *Room) Info() *RoomInfo {
	t := &RoomInfo{}
	Project(r.traits, t)
	return t
}
