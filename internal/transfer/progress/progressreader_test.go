package progress

import (
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReader_ReportsCumulativeBytes(t *testing.T) {
	var reported []int64

	pr := NewReader(strings.NewReader("0123456789"), 10, func(written, total int64) {
		assert.Equal(t, int64(10), total)
		reported = append(reported, written)
	})

	buf := make([]byte, 4)

	for {
		if _, err := pr.Read(buf); err == io.EOF {
			break
		} else {
			require.NoError(t, err)
		}
	}

	assert.Equal(t, []int64{4, 8, 10}, reported)
	assert.Equal(t, int64(10), pr.Written())
}

func TestReader_WrittenMatchesCopy(t *testing.T) {
	pr := NewReader(strings.NewReader("payload"), 0, nil)

	n, err := io.Copy(io.Discard, pr)
	require.NoError(t, err)

	assert.Equal(t, n, pr.Written())
}
