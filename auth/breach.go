package auth

import (
	"bufio"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// DefaultBreachURL is the Pwned Passwords range endpoint.
const DefaultBreachURL = "https://api.pwnedpasswords.com/range/"

const breachUserAgent = "keynest"

// BreachResult reports whether a password hash appeared in the corpus.
type BreachResult struct {
	Found bool
	Count int
}

// BreachChecker queries a k-anonymity range API. Only the first five hex
// digits of SHA1(pw) leave the process.
type BreachChecker struct {
	BaseURL string
	Client  *http.Client
}

// NewBreachChecker returns a checker for DefaultBreachURL with a short timeout.
func NewBreachChecker() *BreachChecker {
	return &BreachChecker{
		BaseURL: DefaultBreachURL,
		Client:  &http.Client{Timeout: 4 * time.Second},
	}
}

// Check looks pw up. Network and HTTP failures are returned so the caller
// decides whether to fail open or closed.
func (c *BreachChecker) Check(ctx context.Context, pw string) (BreachResult, error) {
	var result BreachResult

	sum := sha1.Sum([]byte(pw))
	hashHex := strings.ToUpper(hex.EncodeToString(sum[:]))
	prefix, suffix := hashHex[:5], hashHex[5:]

	base := c.BaseURL
	if base == "" {
		base = DefaultBreachURL
	}
	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+prefix, nil)
	if err != nil {
		return result, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", breachUserAgent)
	req.Header.Set("Add-Padding", "true")

	resp, err := client.Do(req)
	if err != nil {
		return result, fmt.Errorf("query: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return result, fmt.Errorf("query: unexpected status %s", resp.Status)
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		lineSuffix, countStr, ok := strings.Cut(strings.TrimSpace(scanner.Text()), ":")
		if !ok || !strings.EqualFold(lineSuffix, suffix) {
			continue
		}
		count, err := strconv.Atoi(strings.TrimSpace(countStr))
		if err != nil {
			return result, fmt.Errorf("parse count: %w", err)
		}
		// Padding rows carry a zero count.
		if count == 0 {
			continue
		}
		result.Found = true
		result.Count = count
		return result, nil
	}
	if err := scanner.Err(); err != nil {
		return result, fmt.Errorf("read response: %w", err)
	}
	return result, nil
}
