package harvest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"mro-harvester/internal/extract"
	"mro-harvester/pkg/types"
)

var (
	// ErrBlocked marks a response that looks like an anti-bot defence.
	ErrBlocked = errors.New("blocked by target")
	// ErrNotFound marks a definitive negative answer.
	ErrNotFound = errors.New("not found")
	// ErrUnexpectedStatus marks any other non-200 response.
	ErrUnexpectedStatus = errors.New("unexpected status")
	// ErrDisallowed marks an identifier excluded by robots.txt.
	ErrDisallowed = errors.New("disallowed by robots.txt")
)

// Classifier maps a fetch result onto an outcome class.
type Classifier struct {
	blocked  map[int]struct{}
	notFound map[int]struct{}
	markers  []string
}

// NewClassifier builds a classifier. Empty status lists fall back to
// 403/429 for blocked and 404/410 for not found.
func NewClassifier(blocked, notFound []int, challengeMarkers []string) Classifier {
	if len(blocked) == 0 {
		blocked = []int{http.StatusForbidden, http.StatusTooManyRequests}
	}
	if len(notFound) == 0 {
		notFound = []int{http.StatusNotFound, http.StatusGone}
	}
	c := Classifier{
		blocked:  make(map[int]struct{}, len(blocked)),
		notFound: make(map[int]struct{}, len(notFound)),
		markers:  challengeMarkers,
	}
	for _, code := range blocked {
		c.blocked[code] = struct{}{}
	}
	for _, code := range notFound {
		c.notFound[code] = struct{}{}
	}
	return c
}

// Classify returns the class of one attempt and an error describing it when
// it was not a success.
func (c Classifier) Classify(page *types.Page, err error) (types.Class, error) {
	if err != nil {
		if isTimeout(err) {
			return types.ClassTimeout, err
		}
		return types.ClassOtherError, err
	}
	if page == nil {
		return types.ClassOtherError, errors.New("no page returned")
	}
	code := page.StatusCode
	if _, ok := c.notFound[code]; ok {
		return types.ClassNotFound, fmt.Errorf("%w: status %d", ErrNotFound, code)
	}
	if _, ok := c.blocked[code]; ok {
		return types.ClassBlocked, fmt.Errorf("%w: status %d", ErrBlocked, code)
	}
	if code != http.StatusOK {
		return types.ClassOtherError, fmt.Errorf("%w: status %d", ErrUnexpectedStatus, code)
	}
	if extract.IsChallenge(page, c.markers) {
		return types.ClassBlocked, fmt.Errorf("%w: challenge page", ErrBlocked)
	}
	return types.ClassSuccess, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
