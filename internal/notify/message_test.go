package notify

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/stockwatch/internal/restock"
)

func TestFormatText(t *testing.T) {
	t.Parallel()

	single := restock.Notification{Region: "110001", Products: []restock.RestockedProduct{{ProductID: "whey-1", Name: "Whey"}}}
	require.Equal(t, "Back in stock: Whey", Subject(single))
	require.Equal(t, "Back in stock: Whey (region 110001)\n\n- Whey [whey-1]", FormatText(single))

	multi := restock.Notification{Products: []restock.RestockedProduct{{ProductID: "a"}, {ProductID: "b", Name: "Lassi"}}}
	require.Equal(t, "2 products back in stock", Subject(multi))
	require.Equal(t, "2 products back in stock\n\n- a\n- Lassi [b]", FormatText(multi))
}
