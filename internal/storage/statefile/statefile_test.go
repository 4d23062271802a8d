package statefile

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/stockwatch/internal/restock"
)

func TestEncodeDecode(t *testing.T) {
	t.Parallel()

	at := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	data, err := Encode("110001", restock.StockState{"b": true, "a": false}, at)
	require.NoError(t, err)
	require.Less(t, indexOf(string(data), `"product_id": "a"`), indexOf(string(data), `"product_id": "b"`))

	state, err := Decode(data)
	require.NoError(t, err)
	require.Equal(t, restock.StockState{"a": false, "b": true}, state)

	_, err = Decode([]byte("{"))
	require.Error(t, err)
}

func TestName(t *testing.T) {
	t.Parallel()

	name, err := Name("110001")
	require.NoError(t, err)
	require.Equal(t, "110001.json", name)

	for _, bad := range []string{"", "../etc", "a/b", "with space"} {
		_, err := Name(bad)
		require.Errorf(t, err, "region %q", bad)
	}
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}
