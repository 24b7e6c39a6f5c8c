package subject

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"threadpub/internal/thread"
	"threadpub/internal/upstream"

	"golang.org/x/crypto/bcrypt"
)

const (
	// fastInterval is the re-poll delay while content is actively flowing.
	fastInterval = 15 * time.Minute
	// maxInterval caps the exponential backoff.
	maxInterval = 24 * time.Hour

	profileMaxAge = 24 * time.Hour
	pollTimeout   = 2 * time.Minute
)

// ErrUnauthorized is returned when a private subject's posts are read
// without the matching secret.
var ErrUnauthorized = errors.New("subject: invalid or missing secret")

// ErrNoAccessToken is returned when polling is attempted before setup.
var ErrNoAccessToken = errors.New("subject: no access token configured")

// Source is the slice of the upstream client an actor polls with.
type Source interface {
	FetchSearchPage(ctx context.Context, query, cursor string) (thread.Page, error)
	FetchPostsByIDs(ctx context.Context, ids []string) ([]thread.Post, error)
	FetchUserProfile(ctx context.Context, handle string) (upstream.UserProfile, error)
}

// Indexer receives newly stored posts for search indexing. Implementations
// must not block; indexing is best-effort.
type Indexer interface {
	IndexStored(handle string, posts []StoredPost)
}

// nextInterval implements the poll-rate controller: new content resets to
// the fast interval, silence doubles the previous interval up to the cap.
func nextInterval(prev time.Duration, foundNew bool) time.Duration {
	if foundNew {
		return fastInterval
	}
	if prev <= 0 {
		prev = fastInterval
	}
	next := 2 * prev
	if next > maxInterval {
		next = maxInterval
	}
	return next
}

type pollOutcome struct {
	newPosts int
	err      error
}

type pollRequest struct {
	reply chan pollOutcome
}

// Actor owns one subject's store, credentials and poll schedule. All
// polling goes through a single run loop, so no two polls for the same
// subject ever overlap; reads go straight to the store and never wait for
// an in-flight poll.
type Actor struct {
	handle  string
	store   *Store
	source  Source
	indexer Indexer
	now     func() time.Time

	mu    sync.Mutex
	state State

	timer   *time.Timer
	trigger chan pollRequest
	done    chan struct{}
	once    sync.Once
}

// newActor opens or initializes the actor for a handle and starts its run
// loop. A persisted wake time re-arms the timer across restarts.
func newActor(handle string, store *Store, source Source, indexer Indexer) (*Actor, error) {
	a := &Actor{
		handle:  handle,
		store:   store,
		source:  source,
		indexer: indexer,
		now:     time.Now,
		trigger: make(chan pollRequest),
		done:    make(chan struct{}),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	st, found, err := store.LoadState(ctx)
	if err != nil {
		return nil, err
	}
	if !found {
		hash, err := bcrypt.GenerateFromPassword([]byte(newSecret()), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("hash subject secret: %w", err)
		}
		st = State{
			SecretHash:   string(hash),
			PollInterval: fastInterval,
		}
		if err := store.SaveState(ctx, st); err != nil {
			return nil, err
		}
	}
	a.state = st

	a.timer = time.NewTimer(time.Hour)
	if !a.timer.Stop() {
		<-a.timer.C
	}
	if !st.NextWakeAt.IsZero() {
		a.timer.Reset(clampWake(time.Until(st.NextWakeAt)))
	}

	go a.run()
	return a, nil
}

func newSecret() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

func clampWake(d time.Duration) time.Duration {
	if d < time.Second {
		return time.Second
	}
	return d
}

func (a *Actor) run() {
	for {
		select {
		case <-a.done:
			return
		case <-a.timer.C:
			if _, err := a.poll(); err != nil {
				log.Printf("subject %s: scheduled poll: %v", a.handle, err)
			}
			a.rearm()
		case req := <-a.trigger:
			n, err := a.poll()
			a.rearm()
			req.reply <- pollOutcome{newPosts: n, err: err}
		}
	}
}

func (a *Actor) rearm() {
	a.mu.Lock()
	next := a.state.NextWakeAt
	a.mu.Unlock()
	if next.IsZero() {
		return
	}
	a.timer.Reset(clampWake(time.Until(next)))
}

// Close stops the run loop and closes the store.
func (a *Actor) Close() error {
	a.once.Do(func() {
		close(a.done)
		a.timer.Stop()
	})
	return a.store.Close()
}

// PollNow triggers an immediate poll through the run loop and waits for
// the result.
func (a *Actor) PollNow(ctx context.Context) (int, error) {
	req := pollRequest{reply: make(chan pollOutcome, 1)}
	select {
	case a.trigger <- req:
	case <-a.done:
		return 0, errors.New("subject: actor closed")
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	select {
	case out := <-req.reply:
		return out.newPosts, out.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// poll runs one complete poll cycle: fetch, dedupe, insert, fetch missing
// reply context, then recompute the schedule. Failures are recorded in the
// state rather than crashing the loop, and the reschedule always happens.
func (a *Actor) poll() (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), pollTimeout)
	defer cancel()

	newCount, pollErr := a.doPoll(ctx)
	now := a.now()

	a.mu.Lock()
	if pollErr != nil {
		a.state.LastError = pollErr.Error()
	} else {
		a.state.LastError = ""
	}
	a.state.PollInterval = nextInterval(a.state.PollInterval, newCount > 0)
	a.state.LastPollAt = now
	a.state.NextWakeAt = now.Add(a.state.PollInterval)
	st := a.state
	a.mu.Unlock()

	if err := a.store.SaveState(ctx, st); err != nil {
		log.Printf("subject %s: persist state: %v", a.handle, err)
	}
	return newCount, pollErr
}

func (a *Actor) doPoll(ctx context.Context) (int, error) {
	a.mu.Lock()
	token := a.state.AccessToken
	a.mu.Unlock()
	if token == "" {
		return 0, ErrNoAccessToken
	}

	if err := a.refreshProfile(ctx); err != nil {
		return 0, err
	}

	// One bounded page of the subject's own stream per cycle; the backoff
	// schedule catches up on anything missed.
	page, err := a.source.FetchSearchPage(ctx, "from:"+a.handle, "")
	if err != nil {
		return 0, fmt.Errorf("fetch recent posts: %w", err)
	}

	now := a.now()
	rows := make([]StoredPost, 0, len(page.Posts))
	for _, p := range page.Posts {
		rows = append(rows, FromThreadPost(p, now))
	}
	newCount, err := a.store.InsertPosts(ctx, rows)
	if err != nil {
		return 0, err
	}

	if err := a.fetchReplyContext(ctx, page.Posts, now); err != nil {
		log.Printf("subject %s: reply context: %v", a.handle, err)
	}

	if a.indexer != nil && len(rows) > 0 {
		a.indexer.IndexStored(a.handle, rows)
	}
	return newCount, nil
}

// fetchReplyContext batch-fetches any post the subject replied to that is
// not stored yet, so reply chains render locally without a resolver pass.
func (a *Actor) fetchReplyContext(ctx context.Context, posts []thread.Post, now time.Time) error {
	var parentIDs []string
	for _, p := range posts {
		if p.InReplyToID != "" {
			parentIDs = append(parentIDs, p.InReplyToID)
		}
	}
	absent, err := a.store.AbsentIDs(ctx, parentIDs)
	if err != nil {
		return err
	}
	if len(absent) == 0 {
		return nil
	}
	parents, err := a.source.FetchPostsByIDs(ctx, absent)
	if err != nil {
		return err
	}
	rows := make([]StoredPost, 0, len(parents))
	for _, p := range parents {
		rows = append(rows, FromThreadPost(p, now))
	}
	_, err = a.store.InsertPosts(ctx, rows)
	return err
}

func (a *Actor) refreshProfile(ctx context.Context) error {
	profile, err := a.store.Profile(ctx)
	if err != nil {
		return err
	}
	if profile != nil && a.now().Sub(profile.UpdatedAt) < profileMaxAge {
		return nil
	}
	up, err := a.source.FetchUserProfile(ctx, a.handle)
	if err != nil {
		if profile != nil {
			// A stale profile is still usable; refresh next cycle.
			log.Printf("subject %s: profile refresh: %v", a.handle, err)
			return nil
		}
		return fmt.Errorf("fetch profile: %w", err)
	}
	return a.store.SaveProfile(ctx, Profile{
		ID:        up.ID,
		Name:      up.Name,
		Handle:    up.Handle,
		AvatarURL: up.AvatarURL,
		UpdatedAt: a.now(),
	})
}

// Setup stores the subject's upstream access token.
func (a *Actor) Setup(ctx context.Context, accessToken string) error {
	a.mu.Lock()
	a.state.AccessToken = accessToken
	st := a.state
	a.mu.Unlock()
	return a.store.SaveState(ctx, st)
}

// SetVisibility flips the subject public or private. Switching to private
// regenerates the access secret and returns the plaintext exactly once;
// only the bcrypt hash is stored.
func (a *Actor) SetVisibility(ctx context.Context, isPublic bool) (string, error) {
	secret := ""
	a.mu.Lock()
	if !isPublic {
		secret = newSecret()
		hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
		if err != nil {
			a.mu.Unlock()
			return "", fmt.Errorf("hash subject secret: %w", err)
		}
		a.state.SecretHash = string(hash)
	}
	a.state.IsPublic = isPublic
	st := a.state
	a.mu.Unlock()

	if err := a.store.SaveState(ctx, st); err != nil {
		return "", err
	}
	return secret, nil
}

// Posts returns the subject's stored posts, newest first. Private subjects
// require the caller-supplied secret to match.
func (a *Actor) Posts(ctx context.Context, secret string) ([]StoredPost, error) {
	if err := a.AuthorizeRead(secret); err != nil {
		return nil, err
	}
	return a.store.ListPosts(ctx)
}

// Search runs the fallback substring search over the stored posts, under
// the same visibility gate as Posts.
func (a *Actor) Search(ctx context.Context, secret, query string, limit int) ([]StoredPost, error) {
	if err := a.AuthorizeRead(secret); err != nil {
		return nil, err
	}
	return a.store.SearchPosts(ctx, query, limit)
}

// ScanPosts is the ungated substring scan. Callers are responsible for the
// visibility gate; it exists so an index fallback can reuse an already
// authorized request.
func (a *Actor) ScanPosts(ctx context.Context, query string, limit int) ([]StoredPost, error) {
	return a.store.SearchPosts(ctx, query, limit)
}

// AuthorizeRead gates reads of a private subject behind its secret.
// Public subjects accept any secret, including none.
func (a *Actor) AuthorizeRead(secret string) error {
	a.mu.Lock()
	isPublic := a.state.IsPublic
	hash := a.state.SecretHash
	a.mu.Unlock()
	if isPublic {
		return nil
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)) != nil {
		return ErrUnauthorized
	}
	return nil
}

// Profile returns the cached profile plus visibility and the last poll
// error, if any.
func (a *Actor) Profile(ctx context.Context) (*Profile, bool, string, error) {
	p, err := a.store.Profile(ctx)
	if err != nil {
		return nil, false, "", err
	}
	a.mu.Lock()
	isPublic := a.state.IsPublic
	lastErr := a.state.LastError
	a.mu.Unlock()
	return p, isPublic, lastErr, nil
}

// IsPublic reports the subject's current visibility.
func (a *Actor) IsPublic() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state.IsPublic
}
