package listeners

import (
	"bufio"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadSyslogFrame_OctetCount(t *testing.T) {
	msg := "<34>Oct 11 22:14:15 host app: hello"
	wire := "35 " + msg // 35 bytes of message
	require.Len(t, msg, 35)

	r := bufio.NewReader(strings.NewReader(wire))
	got, err := readSyslogFrame(r)
	require.NoError(t, err)
	assert.Equal(t, msg, string(got))
}

func TestReadSyslogFrame_OctetCountBackToBack(t *testing.T) {
	a, b := "<34>first", "<35>second msg"
	wire := "9 " + a + "14 " + b
	r := bufio.NewReader(strings.NewReader(wire))

	got, err := readSyslogFrame(r)
	require.NoError(t, err)
	assert.Equal(t, a, string(got))

	got, err = readSyslogFrame(r)
	require.NoError(t, err)
	assert.Equal(t, b, string(got))
}

func TestReadSyslogFrame_LFTerminatedFallback(t *testing.T) {
	r := bufio.NewReader(strings.NewReader("<34>plain line one\n<35>line two\n"))

	got, err := readSyslogFrame(r)
	require.NoError(t, err)
	assert.Equal(t, "<34>plain line one", string(got))

	got, err = readSyslogFrame(r)
	require.NoError(t, err)
	assert.Equal(t, "<35>line two", string(got))
}
