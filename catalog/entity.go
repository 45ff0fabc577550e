// Package catalog holds the catalog entities and the services that keep them
// in sync with upstream model events.
package catalog

import (
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Index names of the catalog collections
const (
	IndexCategories  = "categories"
	IndexGenres      = "genres"
	IndexCastMembers = "cast_members"
)

// Category is a video category
type Category struct {
	ID          string    `json:"id" validate:"required"`
	Name        string    `json:"name" validate:"required,max=255"`
	Description string    `json:"description,omitempty" validate:"max=4096"`
	IsActive    bool      `json:"is_active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// GetID implements store.Entity
func (c Category) GetID() string { return c.ID }

func (c *Category) stamp(created, updated time.Time) {
	c.CreatedAt, c.UpdatedAt = created, updated
}

func (c *Category) timestamps() (time.Time, time.Time) {
	return c.CreatedAt, c.UpdatedAt
}

// Ref returns the embedded form of c
func (c Category) Ref() CategoryRef {
	return CategoryRef{ID: c.ID, Name: c.Name, IsActive: c.IsActive}
}

// CategoryRef is a category embedded in another document
type CategoryRef struct {
	ID       string `json:"id" validate:"required"`
	Name     string `json:"name" validate:"required"`
	IsActive bool   `json:"is_active"`
}

// Genre is a video genre with its categories embedded
type Genre struct {
	ID         string        `json:"id" validate:"required"`
	Name       string        `json:"name" validate:"required,max=255"`
	IsActive   bool          `json:"is_active"`
	Categories []CategoryRef `json:"categories" validate:"dive"`
	CreatedAt  time.Time     `json:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

// GetID implements store.Entity
func (g Genre) GetID() string { return g.ID }

func (g *Genre) stamp(created, updated time.Time) {
	g.CreatedAt, g.UpdatedAt = created, updated
}

func (g *Genre) timestamps() (time.Time, time.Time) {
	return g.CreatedAt, g.UpdatedAt
}

// HasCategory reports whether the genre embeds category id
func (g Genre) HasCategory(id string) bool {
	for _, ref := range g.Categories {
		if ref.ID == id {
			return true
		}
	}
	return false
}

// CastMemberType distinguishes directors from actors
type CastMemberType int

const (
	CastMemberDirector CastMemberType = 1
	CastMemberActor    CastMemberType = 2
)

// CastMember is a person credited on a video
type CastMember struct {
	ID        string         `json:"id" validate:"required"`
	Name      string         `json:"name" validate:"required,max=255"`
	Type      CastMemberType `json:"type" validate:"oneof=1 2"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// GetID implements store.Entity
func (m CastMember) GetID() string { return m.ID }

func (m *CastMember) stamp(created, updated time.Time) {
	m.CreatedAt, m.UpdatedAt = created, updated
}

func (m *CastMember) timestamps() (time.Time, time.Time) {
	return m.CreatedAt, m.UpdatedAt
}

// NewValidator returns a validator reporting fields by their JSON names
func NewValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}
