package asngate

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/ReneKroon/ttlcache/v2"
	"github.com/google/uuid"
	"github.com/scraperwall/asngate/config"
	log "github.com/sirupsen/logrus"
)

const trustNamespace = "tr"

// Challenge difficulties
const (
	DifficultyEasy   = "easy"
	DifficultyMedium = "medium"
	DifficultyHard   = "hard"
)

// ChallengePrompt is what gets handed to the client: the id, the question and
// the difficulty. The expected answer never leaves the engine
type ChallengePrompt struct {
	ID         string `json:"id"`
	Question   string `json:"question"`
	Difficulty string `json:"difficulty"`
}

// challenge is the stored state for an issued, not yet consumed challenge
type challenge struct {
	answer    int
	question  string
	createdAt time.Time
}

// trustGrant is the persisted record of a solved challenge
type trustGrant struct {
	Identity  string    `json:"identity"`
	GrantedAt time.Time `json:"granted_at"`
}

// Challenges issues and verifies one-time arithmetic challenges and remembers
// which client identities have recently solved one. Both stores expire their
// entries on their own, the trust window is independent of and typically much
// longer than the challenge expiry
type Challenges struct {
	challenges *ttlcache.Cache
	trusted    *ttlcache.Cache
	resources  *Resources
	config     *config.Config
	verifyLock sync.Mutex
	ctx        context.Context
}

// NewChallenges creates a new challenge engine.
// The parent context and application configuration are passed on to the new instance
func NewChallenges(ctx context.Context, resources *Resources, config *config.Config) *Challenges {
	challenges := ttlcache.NewCache()
	challenges.SkipTTLExtensionOnHit(true)
	challenges.SetTTL(config.ChallengeTTL)

	trusted := ttlcache.NewCache()
	trusted.SkipTTLExtensionOnHit(true)
	trusted.SetTTL(config.TrustTTL)

	c := &Challenges{
		challenges: challenges,
		trusted:    trusted,
		resources:  resources,
		config:     config,
		ctx:        ctx,
	}

	go c.autoClose()

	return c
}

// Issue generates a fresh challenge for the given difficulty and stores it
// under a new unique id. Unknown difficulties fall back to easy
func (c *Challenges) Issue(difficulty string) *ChallengePrompt {
	var question string
	var answer int

	switch difficulty {
	case DifficultyMedium:
		question, answer = mediumChallenge()
	case DifficultyHard:
		question, answer = hardChallenge()
	default:
		difficulty = DifficultyEasy
		question, answer = easyChallenge()
	}

	id := uuid.New().String()

	err := c.challenges.SetWithTTL(id, &challenge{
		answer:    answer,
		question:  question,
		createdAt: time.Now(),
	}, c.config.ChallengeTTL)
	if err != nil {
		log.Warnf("failed to store challenge %s: %s", id, err)
	}

	log.Tracef("issued %s challenge %s", difficulty, id)

	return &ChallengePrompt{
		ID:         id,
		Question:   question,
		Difficulty: difficulty,
	}
}

// Verify checks a submitted answer against the stored challenge. The id is
// consumed by the attempt regardless of the outcome, a second call for the
// same id always fails. Unknown and expired ids fail without error
func (c *Challenges) Verify(id string, answer int) bool {
	// check and consume must be one step, two racing attempts with the
	// correct answer must never both succeed
	c.verifyLock.Lock()
	defer c.verifyLock.Unlock()

	v, err := c.challenges.Get(id)
	if err != nil {
		return false
	}

	// one-time use, even for a wrong answer
	c.challenges.Remove(id)

	ch := v.(*challenge)
	return ch.answer == answer
}

// MarkTrusted remembers that identity has solved a challenge. The grant is
// written through to the kvstore when one is available so that a restart
// keeps the trust window intact
func (c *Challenges) MarkTrusted(identity string) {
	grantedAt := time.Now()

	if err := c.trusted.SetWithTTL(identity, grantedAt, c.config.TrustTTL); err != nil {
		log.Warnf("failed to store trust grant for %s: %s", identity, err)
	}

	if c.resources.Store == nil {
		return
	}

	v, err := json.Marshal(trustGrant{Identity: identity, GrantedAt: grantedAt})
	if err != nil {
		return
	}

	if err := c.resources.Store.SetEx([]byte(trustNamespace), []byte(identity), v, c.config.TrustTTL); err != nil {
		log.Warnf("failed to persist trust grant for %s: %s", identity, err)
	}
}

// IsTrusted reports whether identity is inside its trust window. Grants that
// only survived in the kvstore are re-warmed into the in-memory store with
// their remaining lifetime
func (c *Challenges) IsTrusted(identity string) bool {
	if _, err := c.trusted.Get(identity); err == nil {
		return true
	}

	if c.resources.Store == nil {
		return false
	}

	v, err := c.resources.Store.Get([]byte(trustNamespace), []byte(identity))
	if err != nil {
		return false
	}

	var grant trustGrant
	if err := json.Unmarshal(v, &grant); err != nil {
		return false
	}

	remaining := c.config.TrustTTL - time.Since(grant.GrantedAt)
	if remaining <= 0 {
		return false
	}

	if err := c.trusted.SetWithTTL(identity, grant.GrantedAt, remaining); err != nil {
		log.Warnf("failed to re-warm trust grant for %s: %s", identity, err)
	}

	return true
}

// LiveCount returns the number of unexpired, unconsumed challenges
func (c *Challenges) LiveCount() int {
	return c.challenges.Count()
}

// TrustedCount returns the number of currently trusted identities
func (c *Challenges) TrustedCount() int {
	return c.trusted.Count()
}

// easyChallenge is a single addition or subtraction with small operands.
// Subtractions never go negative
func easyChallenge() (string, int) {
	a := rand.Intn(20) + 1
	b := rand.Intn(20) + 1

	if rand.Intn(2) == 0 {
		return fmt.Sprintf("%d + %d", a, b), a + b
	}

	if b > a {
		a, b = b, a
	}
	return fmt.Sprintf("%d - %d", a, b), a - b
}

// mediumChallenge adds multiplication and larger operands
func mediumChallenge() (string, int) {
	switch rand.Intn(3) {
	case 0:
		a, b := rand.Intn(100)+1, rand.Intn(100)+1
		return fmt.Sprintf("%d + %d", a, b), a + b
	case 1:
		a, b := rand.Intn(100)+1, rand.Intn(100)+1
		if b > a {
			a, b = b, a
		}
		return fmt.Sprintf("%d - %d", a, b), a - b
	default:
		a, b := rand.Intn(12)+2, rand.Intn(12)+2
		return fmt.Sprintf("%d * %d", a, b), a * b
	}
}

// hardChallenge uses compound expressions, two-digit multiplications and
// small integer powers
func hardChallenge() (string, int) {
	switch rand.Intn(3) {
	case 0:
		a, b, c := rand.Intn(100)+1, rand.Intn(100)+1, rand.Intn(50)+1
		return fmt.Sprintf("%d + %d - %d", a, b, c), a + b - c
	case 1:
		a, b := rand.Intn(90)+10, rand.Intn(90)+10
		return fmt.Sprintf("%d * %d", a, b), a * b
	default:
		base := rand.Intn(8) + 2
		exp := rand.Intn(2) + 2
		result := 1
		for i := 0; i < exp; i++ {
			result *= base
		}
		return fmt.Sprintf("%d^%d", base, exp), result
	}
}

func (c *Challenges) autoClose() {
	<-c.ctx.Done()
	c.challenges.Close()
	c.trusted.Close()
}
