package csvparser

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"EnrollDispatch/internal/dispatcherr"
	"EnrollDispatch/internal/models"
)

const roster = `Email, Name, Course, Cohort
ada@example.com, Ada, Go 101, spring
, Nobody, Go 101, spring
grace@example.com, Grace, Rust 201
linus@example.com, Linus, C 301, fall
`

func TestParseRecipientRows(t *testing.T) {
	rows, err := ParseRecipientRows(strings.NewReader(roster), 0)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	assert.Equal(t, "ada@example.com", rows[0].Email)
	assert.Equal(t, "Ada", rows[0].Name)
	assert.Equal(t, map[string]string{"Course": "Go 101", "Cohort": "spring"}, rows[0].Fields)
	assert.Equal(t, 2, rows[0].Line)

	assert.Equal(t, "linus@example.com", rows[1].Email)
	assert.Equal(t, 5, rows[1].Line)
}

func TestParseRecipientRows_LineNumbersSpanQuotedNewlines(t *testing.T) {
	doc := "email,name,note\n" +
		"ada@example.com,Ada,\"first line\nsecond line\"\n" +
		"grace@example.com,Grace,plain\n"

	rows, err := ParseRecipientRows(strings.NewReader(doc), 0)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, 2, rows[0].Line)
	assert.Equal(t, "first line\nsecond line", rows[0].Fields["note"])
	assert.Equal(t, 4, rows[1].Line)

	bad := "email,name\n" +
		"ada@example.com,\"Ada\nLovelace\"\n" +
		"grace@example.com,\"Grace\n"
	_, err = ParseRecipientRows(strings.NewReader(bad), 0)
	require.ErrorIs(t, err, dispatcherr.ErrValidation)
	assert.Contains(t, err.Error(), "line 4")
}

func TestParseRecipientRows_MaxRows(t *testing.T) {
	rows, err := ParseRecipientRows(strings.NewReader(roster), 1)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestParseRecipientRows_Errors(t *testing.T) {
	cases := map[string]string{
		"empty":     "",
		"no email":  "name,course\nAda,Go\n",
		"no rows":   "email,name\n",
		"all blank": "email,name\n,Ada\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseRecipientRows(strings.NewReader(doc), 0)
			assert.ErrorIs(t, err, dispatcherr.ErrValidation)
		})
	}
}

func TestParseFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roster.csv")
	require.NoError(t, os.WriteFile(path, []byte(roster), 0o600))

	rows, err := ParseFile(path, 0)
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	_, err = ParseFile(filepath.Join(t.TempDir(), "missing.csv"), 0)
	assert.Error(t, err)
}

func TestEvents(t *testing.T) {
	rows, err := ParseRecipientRows(strings.NewReader(roster), 0)
	require.NoError(t, err)

	at := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	events, err := Events(rows, "bootcamp", at)
	require.NoError(t, err)
	require.Len(t, events, 2)

	ev := events[0]
	assert.Equal(t, models.KindEmail, ev.CampaignKind)
	assert.Equal(t, "bootcamp", ev.SourceTag)
	assert.True(t, ev.OccurredAt.Equal(at))

	var p models.EmailPayload
	require.NoError(t, json.Unmarshal(ev.Payload, &p))
	assert.Equal(t, "ada@example.com", p.To)
	assert.Equal(t, "Ada", p.Name)
	assert.Equal(t, "Go 101", p.Data["Course"])
}
