package search

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loghive/loghive/pkg/models"
)

func TestBuildPlan_RejectsUnknownLevel(t *testing.T) {
	_, err := buildPlan(models.FilterSpec{Levels: []string{"verbose"}})
	assert.ErrorIs(t, err, ErrBadLevel)
}

func TestBuildPlan_RejectsBadRegex(t *testing.T) {
	_, err := buildPlan(models.FilterSpec{Text: "se(arch", TextMatch: models.MatchRegex})
	assert.ErrorIs(t, err, ErrBadRegex)
}

func TestBuildPlan_SubstringUsesFTSAndExactCheck(t *testing.T) {
	p, err := buildPlan(models.FilterSpec{Text: "connection refused"})
	require.NoError(t, err)
	require.Len(t, p.where, 2)
	assert.Contains(t, p.where[0], "events_fts MATCH")
	assert.Contains(t, p.where[1], "LIKE")
	assert.Nil(t, p.verify)
}

func TestBuildPlan_CaseSensitiveSubstring(t *testing.T) {
	p, err := buildPlan(models.FilterSpec{Text: "Error", CaseSensitive: true})
	require.NoError(t, err)
	assert.Contains(t, p.where[len(p.where)-1], "instr(message")
}

func TestBuildPlan_RegexWithLiteralsPrefilters(t *testing.T) {
	p, err := buildPlan(models.FilterSpec{Text: `failed login for user-\d+`, TextMatch: models.MatchRegex})
	require.NoError(t, err)
	require.NotNil(t, p.verify)
	assert.Zero(t, p.scanCap)
	require.Len(t, p.where, 1)
	assert.Contains(t, p.where[0], "events_fts MATCH")
	assert.Contains(t, p.args[0], "failed")
}

func TestBuildPlan_LiteralFreeRegexCapsScan(t *testing.T) {
	p, err := buildPlan(models.FilterSpec{Text: `\d+`, TextMatch: models.MatchRegex})
	require.NoError(t, err)
	require.NotNil(t, p.verify)
	assert.Equal(t, unanchoredScanCap, p.scanCap)
	assert.NotEmpty(t, p.warning)
	assert.Empty(t, p.where)
}

func TestObligatoryLiterals(t *testing.T) {
	cases := []struct {
		pattern string
		want    []string
	}{
		{`failed login`, []string{"failed login"}},
		{`(foo|bar)baz`, []string{"baz"}},
		{`user-\d+ rejected`, []string{"user-", " rejected"}},
		{`\d+`, nil},
		{`(error)+`, []string{"error"}},
	}
	for _, tc := range cases {
		got := obligatoryLiterals(tc.pattern)
		assert.Equal(t, tc.want, got, tc.pattern)
	}
}

func TestCursorRoundTrip(t *testing.T) {
	c := encodeCursor(1700000000123, 42)
	tok, err := decodeCursor(c)
	require.NoError(t, err)
	assert.Equal(t, int64(1700000000123), tok.TS)
	assert.Equal(t, int64(42), tok.ID)
}

func TestDecodeCursor_Malformed(t *testing.T) {
	for _, bad := range []string{"not base64!!", "aGVsbG8", ""} {
		_, err := decodeCursor(bad)
		assert.ErrorIs(t, err, ErrBadCursor, bad)
	}
}

func TestMatch_FilterSemantics(t *testing.T) {
	ev := &models.LogEvent{
		Level:    models.LevelError,
		Source:   "api",
		Category: "web",
		Message:  "connection refused by upstream",
	}

	assert.True(t, Match(models.FilterSpec{Levels: []string{"error"}}, ev))
	assert.False(t, Match(models.FilterSpec{Levels: []string{"debug"}}, ev))
	assert.True(t, Match(models.FilterSpec{Levels: []string{"error"}, Sources: []string{"api", "worker"}}, ev))
	assert.False(t, Match(models.FilterSpec{Sources: []string{"worker"}}, ev))
	assert.True(t, Match(models.FilterSpec{Text: "Refused"}, ev))
	assert.False(t, Match(models.FilterSpec{Text: "Refused", CaseSensitive: true}, ev))
	assert.True(t, Match(models.FilterSpec{Text: `re[fg]used`, TextMatch: models.MatchRegex}, ev))
}
