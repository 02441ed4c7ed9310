// Package users resolves the SSH login user of an instance from its AMI.
package users

import (
	"context"
	"fmt"
	"regexp"

	"go.uber.org/zap"

	"ec2sshconfig/errors"
)

const (
	packageName = "users"
)

// PatternSpec is an uncompiled (pattern, user) pair
type PatternSpec struct {
	Pattern string
	User    string
}

// DefaultPatternSpecs is the built-in AMI name table, highest priority first.
var DefaultPatternSpecs = []PatternSpec{
	{Pattern: "amzn", User: "ec2-user"},
	{Pattern: "al20", User: "ec2-user"},
	{Pattern: "centos", User: "root"},
	{Pattern: "ubuntu", User: "ubuntu"},
	{Pattern: "coreos", User: "core"},
	{Pattern: "datastax", User: "ubuntu"},
	{Pattern: "debian", User: "admin"},
	{Pattern: "rhel", User: "ec2-user"},
	{Pattern: "suse", User: "ec2-user"},
	{Pattern: "fedora", User: "fedora"},
}

// Pattern matches AMI names case-insensitively from the start of the name
type Pattern struct {
	Source string
	User   string
	expr   *regexp.Regexp
}

// PatternTable is an ordered, immutable list of patterns. The first match wins.
type PatternTable struct {
	patterns []Pattern
}

// NewPatternTable compiles the specs in order
func NewPatternTable(specs ...PatternSpec) (PatternTable, error) {
	patterns := make([]Pattern, 0, len(specs))
	for i, spec := range specs {
		if spec.User == "" {
			return PatternTable{}, fmt.Errorf("pattern %d (%q) has no user", i, spec.Pattern)
		}
		expr, err := regexp.Compile("(?i)^(?:" + spec.Pattern + ")")
		if err != nil {
			return PatternTable{}, fmt.Errorf("pattern %d (%q): %w", i, spec.Pattern, err)
		}
		patterns = append(patterns, Pattern{Source: spec.Pattern, User: spec.User, expr: expr})
	}
	return PatternTable{patterns: patterns}, nil
}

// DefaultPatterns returns the built-in table
func DefaultPatterns() PatternTable {
	table, err := NewPatternTable(DefaultPatternSpecs...)
	if err != nil {
		panic(err)
	}
	return table
}

// Prepend returns a new table with other placed ahead of t
func (t PatternTable) Prepend(other PatternTable) PatternTable {
	patterns := make([]Pattern, 0, len(other.patterns)+len(t.patterns))
	patterns = append(patterns, other.patterns...)
	patterns = append(patterns, t.patterns...)
	return PatternTable{patterns: patterns}
}

// Patterns returns a copy of the table entries in priority order
func (t PatternTable) Patterns() []Pattern {
	return append([]Pattern(nil), t.patterns...)
}

// Match returns the user of the first pattern matching imageName
func (t PatternTable) Match(imageName string) (string, bool) {
	for _, p := range t.patterns {
		if p.expr.MatchString(imageName) {
			return p.User, true
		}
	}
	return "", false
}

// Cache maps AMI ids to resolved users for one run. Not safe for concurrent use.
type Cache struct {
	users map[string]string
}

func NewCache() *Cache {
	return &Cache{users: make(map[string]string)}
}

func (c *Cache) Get(imageID string) (string, bool) {
	user, ok := c.users[imageID]
	return user, ok
}

func (c *Cache) Put(imageID, user string) {
	c.users[imageID] = user
}

func (c *Cache) Len() int {
	return len(c.users)
}

// ImageNamer resolves an AMI id to its display name
type ImageNamer interface {
	ImageName(ctx context.Context, imageID string) (string, error)
}

// Options holds the user override and the fallback user
type Options struct {
	Override string
	Default  string
}

// Resolver picks the login user for an AMI
type Resolver struct {
	images   ImageNamer
	patterns PatternTable
	opts     Options
	logger   *zap.Logger
}

func NewResolver(images ImageNamer, patterns PatternTable, opts Options, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.L()
	}
	return &Resolver{
		images:   images,
		patterns: patterns,
		opts:     opts,
		logger:   logger.With(zap.String("package", packageName)),
	}
}

// Resolve returns the login user for imageID and never returns an empty
// string. The order is override, cache, pattern table, default user and
// finally the image id itself. Every non-override result is cached.
func (r *Resolver) Resolve(ctx context.Context, cache *Cache, imageID string) string {
	if r.opts.Override != "" {
		return r.opts.Override
	}
	if user, ok := cache.Get(imageID); ok {
		return user
	}

	logger := r.logger.With(
		zap.String("function", "Resolve"),
		zap.String("image_id", imageID),
	)

	user, matched := "", false
	imageName, err := r.images.ImageName(ctx, imageID)
	if err != nil {
		logger.Warn("Image lookup failed, using fallback user",
			zap.String("operation", "image_lookup"),
			zap.Error(err),
		)
	} else {
		user, matched = r.patterns.Match(imageName)
		logger.Debug("Image name matched against pattern table",
			zap.String("operation", "pattern_match"),
			zap.String("image_name", imageName),
			zap.Bool("matched", matched),
		)
	}

	if !matched {
		if r.opts.Default != "" {
			user = r.opts.Default
		} else {
			logger.Warn("Could not find a user for image, add a pattern or set a default user",
				zap.String("operation", "user_fallback"),
				zap.Error(errors.New(errors.ErrUserNotFound, "no user pattern matched",
					map[string]interface{}{
						"image_id":   imageID,
						"image_name": imageName,
					}, err)),
			)
			user = imageID
		}
	}

	cache.Put(imageID, user)
	return user
}
