package statuscheck

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

type bucket struct{ err error }

func (bucket) Name() string                  { return "s3" }
func (b bucket) Check(context.Context) error { return b.err }

type versioner struct {
	v   string
	err error
}

func (v versioner) Version(context.Context) (string, error) { return v.v, v.err }

type browser struct {
	path string
	ok   bool
}

func (b browser) Available() (string, bool) { return b.path, b.ok }

func TestSummaryAllHealthy(t *testing.T) {
	c := New(Options{
		Redis:       pinger{},
		Bucket:      bucket{},
		Ghostscript: versioner{v: "10.02.1\n"},
		Browser:     browser{path: "/usr/bin/chromium", ok: true},
	})
	s := c.Summary(context.Background())
	assert.True(t, s.Healthy())
	assert.Equal(t, "Available 10.02.1", s.Ghostscript.Message)
	assert.Equal(t, "Connected (s3)", s.Storage.Message)
}

func TestSummaryReportsFailures(t *testing.T) {
	c := New(Options{
		Redis:       pinger{err: errors.New("connection refused")},
		Bucket:      bucket{err: errors.New(strings.Repeat("x", 300))},
		Ghostscript: versioner{err: errors.New("not found")},
	})
	s := c.Summary(context.Background())
	assert.False(t, s.Healthy())
	assert.Equal(t, "connection refused", s.Redis.Message)
	assert.Len(t, s.Storage.Message, 120)
	assert.False(t, s.Ghostscript.OK)
	assert.Equal(t, "not configured", s.Browser.Message)
}
