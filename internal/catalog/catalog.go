// Package catalog implements the Content Catalog's read side (C6): a
// read-only view over seed word/category content, compile-time seeded in
// the style of the teacher's internal/game/roles.go fixed tables, with an
// optional database/sql (MySQL) override loaded at startup, grounded on
// store.ConnectMySQL's ping-based fallback.
package catalog

import (
	"context"
	"database/sql"
	"math/rand"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	_ "github.com/go-sql-driver/mysql"
)

// Category is one seed word group.
type Category struct {
	CategoryID string
	Game       string
	Name       string
	Words      []string
}

// Catalog is the C6 read-only facade.
type Catalog struct {
	mu         sync.RWMutex
	categories map[string][]Category // keyed by game

	db       *sql.DB
	dsn      string
	logger   *zap.Logger
	fallback prometheus.Counter
}

// New returns a Catalog pre-seeded with the embedded compile-time data.
func New(logger *zap.Logger, fallback prometheus.Counter) *Catalog {
	return &Catalog{
		categories: seedCategories(),
		logger:     logger,
		fallback:   fallback,
	}
}

// Connect attaches an optional MySQL override. If dsn is empty, or the
// database is unreachable, the embedded seed remains authoritative —
// mirroring the teacher's ConnectMySQL-with-fallback pattern.
func (c *Catalog) Connect(ctx context.Context, dsn string) error {
	if dsn == "" {
		return nil
	}
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		c.logFallback("open mysql", err)
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		c.logFallback("ping mysql", err)
		return nil
	}
	c.mu.Lock()
	c.db = db
	c.dsn = dsn
	c.mu.Unlock()
	return c.Reload(ctx)
}

func (c *Catalog) logFallback(step string, err error) {
	if c.fallback != nil {
		c.fallback.Inc()
	}
	if c.logger != nil {
		c.logger.Warn("catalog: falling back to embedded seed", zap.String("step", step), zap.Error(err))
	}
}

// Reload re-reads the optional MySQL seed without restarting the process.
// No-op if no database is connected.
func (c *Catalog) Reload(ctx context.Context) error {
	c.mu.RLock()
	db := c.db
	c.mu.RUnlock()
	if db == nil {
		return nil
	}

	rows, err := db.QueryContext(ctx, `SELECT category_id, game, name, word FROM catalog_words ORDER BY category_id`)
	if err != nil {
		c.logFallback("query mysql", err)
		return nil
	}
	defer rows.Close()

	byCategory := make(map[string]*Category)
	var order []string
	for rows.Next() {
		var categoryID, game, name, word string
		if err := rows.Scan(&categoryID, &game, &name, &word); err != nil {
			c.logFallback("scan mysql row", err)
			return nil
		}
		key := game + ":" + categoryID
		cat, ok := byCategory[key]
		if !ok {
			cat = &Category{CategoryID: categoryID, Game: game, Name: name}
			byCategory[key] = cat
			order = append(order, key)
		}
		cat.Words = append(cat.Words, word)
	}
	if err := rows.Err(); err != nil {
		c.logFallback("iterate mysql rows", err)
		return nil
	}

	fresh := make(map[string][]Category)
	for _, key := range order {
		cat := byCategory[key]
		fresh[cat.Game] = append(fresh[cat.Game], *cat)
	}

	c.mu.Lock()
	c.categories = fresh
	c.mu.Unlock()
	return nil
}

// ListCategories returns the categories known for game.
func (c *Catalog) ListCategories(game string) []Category {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cats := c.categories[game]
	out := make([]Category, len(cats))
	copy(out, cats)
	return out
}

// RandomWords returns up to n randomized words from categoryID (searched
// across every game, since IDs are unique by convention).
func (c *Catalog) RandomWords(categoryID string, n int) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, cats := range c.categories {
		for _, cat := range cats {
			if cat.CategoryID != categoryID {
				continue
			}
			pool := append([]string{}, cat.Words...)
			rand.Shuffle(len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })
			if n < len(pool) {
				pool = pool[:n]
			}
			return pool
		}
	}
	return nil
}

// FindOnePenaltyCategory returns the single penalty category for game, if
// any.
func (c *Catalog) FindOnePenaltyCategory(game string) *Category {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, cat := range c.categories[game] {
		if cat.CategoryID == "penalty" {
			out := cat
			return &out
		}
	}
	return nil
}

// AllContent returns every word in category.
func (c *Catalog) AllContent(category Category) []string {
	return append([]string{}, category.Words...)
}

// MarbleFallbackPenalties is the hard-coded minimum-26-phrase list used
// when votes and the catalog together still fall short.
func MarbleFallbackPenalties() []string {
	return append([]string{}, marbleFallbackPenalties...)
}
