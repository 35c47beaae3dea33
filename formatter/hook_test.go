package formatter

import (
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilePathParsing(t *testing.T) {
	testCases := []struct {
		filePath         string
		expectedFileName string
	}{
		// locally cloned repo
		{
			filePath:         "/Users/user/src/peerlink/connmap/connmap.go",
			expectedFileName: "connmap/connmap.go",
		},
		// duplicated name in path
		{
			filePath:         "/home/user/peerlink/repos/peerlink/peer/peer.go",
			expectedFileName: "peer/peer.go",
		},
		// renamed root directory
		{
			filePath:         "/home/user/work/MyLink/peer/peer.go",
			expectedFileName: "peer/peer.go",
		},
	}

	hook := NewContextHook()

	for _, testCase := range testCases {
		parsedString := hook.parseSrc(testCase.filePath)
		assert.Equal(t, testCase.expectedFileName, parsedString, "Parsed filepath does not match expected for %s", testCase.filePath)
	}
}

func TestTextFormatter(t *testing.T) {
	entry := &logrus.Entry{
		Time:    time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		Level:   logrus.WarnLevel,
		Message: "lost peer",
		Data: logrus.Fields{
			"peer":   "abc",
			"kind":   "node",
			"source": "connmap/connmap.go:42",
		},
	}

	out, err := NewTextFormatter().Format(entry)
	require.NoError(t, err)

	line := string(out)
	assert.True(t, strings.HasPrefix(line, "2024-01-02T03:04:05.000Z WARN "), line)
	assert.Contains(t, line, "[kind: node, peer: abc] connmap/connmap.go:42: lost peer\n")
}

func TestConfigure(t *testing.T) {
	logger := logrus.New()

	Configure(logger, logrus.InfoLevel)
	assert.Equal(t, logrus.InfoLevel, logger.GetLevel())
	assert.False(t, logger.ReportCaller)
	assert.Empty(t, logger.Hooks[logrus.InfoLevel])

	Configure(logger, logrus.DebugLevel)
	Configure(logger, logrus.DebugLevel)
	assert.True(t, logger.ReportCaller)
	assert.Len(t, logger.Hooks[logrus.DebugLevel], 1)
	assert.IsType(t, &TextFormatter{}, logger.Formatter)
}
