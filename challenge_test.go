package asngate

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/scraperwall/asngate/config"
)

// solve evaluates the question strings the engine produces: "a + b",
// "a - b", "a * b", "a + b - c" and "a^b"
func solve(t *testing.T, question string) int {
	t.Helper()

	if strings.Contains(question, "^") {
		parts := strings.Split(question, "^")
		base, err1 := strconv.Atoi(strings.TrimSpace(parts[0]))
		exp, err2 := strconv.Atoi(strings.TrimSpace(parts[1]))
		if err1 != nil || err2 != nil {
			t.Fatalf("can't parse power question %q", question)
		}
		result := 1
		for i := 0; i < exp; i++ {
			result *= base
		}
		return result
	}

	fields := strings.Fields(question)
	if len(fields) < 3 || len(fields)%2 == 0 {
		t.Fatalf("can't parse question %q", question)
	}

	result, err := strconv.Atoi(fields[0])
	if err != nil {
		t.Fatalf("can't parse question %q", question)
	}

	for i := 1; i < len(fields); i += 2 {
		operand, err := strconv.Atoi(fields[i+1])
		if err != nil {
			t.Fatalf("can't parse question %q", question)
		}
		switch fields[i] {
		case "+":
			result += operand
		case "-":
			result -= operand
		case "*":
			result *= operand
		default:
			t.Fatalf("unknown operator in question %q", question)
		}
	}

	return result
}

func testChallenges(ctx context.Context, cfg *config.Config) *Challenges {
	if cfg.ChallengeTTL <= 0 {
		cfg.ChallengeTTL = time.Minute
	}
	if cfg.TrustTTL <= 0 {
		cfg.TrustTTL = time.Minute
	}
	return NewChallenges(ctx, NewResources(), cfg)
}

func TestChallengeIssueAndVerify(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := testChallenges(ctx, &config.Config{})

	for _, difficulty := range []string{DifficultyEasy, DifficultyMedium, DifficultyHard} {
		for i := 0; i < 20; i++ {
			prompt := c.Issue(difficulty)

			if prompt.ID == "" || prompt.Question == "" {
				t.Fatalf("%s: incomplete prompt %+v", difficulty, prompt)
			}
			if prompt.Difficulty != difficulty {
				t.Errorf("expected difficulty %s, got %s", difficulty, prompt.Difficulty)
			}

			if !c.Verify(prompt.ID, solve(t, prompt.Question)) {
				t.Errorf("%s: the correct answer to %q was rejected", difficulty, prompt.Question)
			}
		}
	}
}

func TestChallengeEasyNeverNegative(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := testChallenges(ctx, &config.Config{})

	for i := 0; i < 100; i++ {
		prompt := c.Issue(DifficultyEasy)
		if solve(t, prompt.Question) < 0 {
			t.Fatalf("easy challenge %q has a negative answer", prompt.Question)
		}
	}
}

func TestChallengeUnknownDifficulty(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := testChallenges(ctx, &config.Config{})

	prompt := c.Issue("ludicrous")
	if prompt.Difficulty != DifficultyEasy {
		t.Errorf("unknown difficulties should fall back to easy, got %s", prompt.Difficulty)
	}
}

func TestChallengeSingleUse(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := testChallenges(ctx, &config.Config{})

	prompt := c.Issue(DifficultyEasy)
	answer := solve(t, prompt.Question)

	if !c.Verify(prompt.ID, answer) {
		t.Fatal("the first verification with the correct answer should succeed")
	}

	if c.Verify(prompt.ID, answer) {
		t.Error("a challenge id must be single-use")
	}
}

func TestChallengeConcurrentVerify(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := testChallenges(ctx, &config.Config{})

	for round := 0; round < 50; round++ {
		prompt := c.Issue(DifficultyEasy)
		answer := solve(t, prompt.Question)

		var wg sync.WaitGroup
		var successes int64

		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if c.Verify(prompt.ID, answer) {
					atomic.AddInt64(&successes, 1)
				}
			}()
		}
		wg.Wait()

		if successes != 1 {
			t.Fatalf("round %d: %d concurrent verifications succeeded, expected exactly 1", round, successes)
		}
	}
}

func TestChallengeWrongAnswerConsumes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := testChallenges(ctx, &config.Config{})

	prompt := c.Issue(DifficultyEasy)
	answer := solve(t, prompt.Question)

	if c.Verify(prompt.ID, answer+1) {
		t.Fatal("a wrong answer should fail")
	}

	// no second chance against the same id, not even with the right answer
	if c.Verify(prompt.ID, answer) {
		t.Error("a failed attempt must consume the challenge")
	}
}

func TestChallengeUnknownID(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := testChallenges(ctx, &config.Config{})

	if c.Verify("no-such-id", 42) {
		t.Error("verifying an unknown id should fail")
	}
}

func TestChallengeExpiry(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := testChallenges(ctx, &config.Config{ChallengeTTL: 50 * time.Millisecond})

	prompt := c.Issue(DifficultyEasy)
	answer := solve(t, prompt.Question)

	time.Sleep(150 * time.Millisecond)

	if c.Verify(prompt.ID, answer) {
		t.Error("an expired challenge must not verify, even with the correct answer")
	}
}

func TestTrustWindow(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := testChallenges(ctx, &config.Config{})

	if c.IsTrusted("8.8.8.8") {
		t.Error("an identity should not be trusted before solving a challenge")
	}

	c.MarkTrusted("8.8.8.8")

	if !c.IsTrusted("8.8.8.8") {
		t.Error("the identity should be trusted after MarkTrusted")
	}

	if c.TrustedCount() != 1 {
		t.Errorf("expected 1 trusted identity, got %d", c.TrustedCount())
	}
}

func TestTrustExpiry(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := testChallenges(ctx, &config.Config{TrustTTL: 50 * time.Millisecond})

	c.MarkTrusted("8.8.8.8")
	time.Sleep(150 * time.Millisecond)

	if c.IsTrusted("8.8.8.8") {
		t.Error("trust must expire after the configured window")
	}
}

func TestLiveChallengeCount(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := testChallenges(ctx, &config.Config{})

	prompt := c.Issue(DifficultyEasy)
	c.Issue(DifficultyEasy)

	if c.LiveCount() != 2 {
		t.Errorf("expected 2 live challenges, got %d", c.LiveCount())
	}

	c.Verify(prompt.ID, 0)

	if c.LiveCount() != 1 {
		t.Errorf("expected 1 live challenge after a verification, got %d", c.LiveCount())
	}
}
