package matrix

import (
	"regexp"
	"strings"

	"github.com/mr-tron/base58"
	"golang.org/x/crypto/blake2b"

	"github.com/misterdjules/tlscompat/pkg/predict"
	"github.com/misterdjules/tlscompat/pkg/vocab"
)

// idSize is the digest length, in bytes, behind a case ID.
const idSize = 16

// TestCase is one server/client pairing with its predicted outcome.
type TestCase struct {
	// Index is the position in Build's output.
	Index int
	// ID is derived from the two configurations only, so it stays stable
	// when the vocabulary grows and reorders.
	ID     string
	Server vocab.EndpointConfig
	Client vocab.EndpointConfig

	ExpectedSuccess bool
	Verdict         predict.Verdict
}

// Name is the human-readable case name filters are matched against.
func (tc TestCase) Name() string {
	return tc.Server.String() + "->" + tc.Client.String()
}

// Build cross-joins servers and clients, server outer loop and client
// inner loop. No pair is dropped; incompatible pairs are kept with
// ExpectedSuccess false.
func Build(servers, clients []vocab.EndpointConfig) []TestCase {
	cases := make([]TestCase, 0, len(servers)*len(clients))

	for _, s := range servers {
		for _, c := range clients {
			verdict := predict.Explain(s, c)
			cases = append(cases, TestCase{
				Index:           len(cases),
				ID:              CaseID(s, c),
				Server:          s,
				Client:          c,
				ExpectedSuccess: verdict.Success,
				Verdict:         verdict,
			})
		}
	}

	return cases
}

// BuildDefault generates both roles from the default vocabulary and builds
// the full matrix.
func BuildDefault() []TestCase {
	v := vocab.Default()
	return Build(Generate(v, vocab.RoleServer), Generate(v, vocab.RoleClient))
}

// CaseID returns the base58 BLAKE2b-128 digest of the pair's
// role-prefixed renderings, so swapping the two sides changes the ID.
func CaseID(server, client vocab.EndpointConfig) string {
	h, err := blake2b.New(idSize, nil)
	if err != nil {
		// Only reachable with an invalid size or key.
		panic(err)
	}
	h.Write([]byte(server.String()))
	h.Write([]byte("->"))
	h.Write([]byte(client.String()))
	return base58.Encode(h.Sum(nil))
}

// Selection narrows a matrix. Patterns are globs where "*" matches any run
// of characters and "?" any single one; they are matched against the whole
// case name. A pattern equal to a case ID selects that case.
type Selection struct {
	Include []string
	Exclude []string
	// Limit keeps at most this many cases when positive.
	Limit int
}

// Apply returns the selected cases in their original order. Indexes are
// preserved so reports still point into the full matrix.
func (s Selection) Apply(cases []TestCase) []TestCase {
	var out []TestCase
	for _, tc := range cases {
		if len(s.Include) > 0 && !matchAny(s.Include, tc) {
			continue
		}
		if matchAny(s.Exclude, tc) {
			continue
		}
		out = append(out, tc)
		if s.Limit > 0 && len(out) == s.Limit {
			break
		}
	}
	return out
}

func matchAny(patterns []string, tc TestCase) bool {
	name := tc.Name()
	for _, p := range patterns {
		if p == tc.ID {
			return true
		}
		if globRegexp(p).MatchString(name) {
			return true
		}
	}
	return false
}

func globRegexp(pattern string) *regexp.Regexp {
	quoted := regexp.QuoteMeta(pattern)
	quoted = strings.ReplaceAll(quoted, `\*`, ".*")
	quoted = strings.ReplaceAll(quoted, `\?`, ".")
	return regexp.MustCompile("^" + quoted + "$")
}
