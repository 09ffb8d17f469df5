package price

import (
	"io/ioutil"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const catalogJSON = `[
	{"id": "price_pro_monthly", "name": "Pro", "creditsGranted": 1000, "amount": 1900, "currency": "usd", "billingInterval": "month"},
	{"id": "price_pack_100", "name": "100 credits", "creditsGranted": 100, "amount": 500, "currency": "usd", "billingInterval": "once"}
]`

func TestLoadCatalog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prices.json")
	require.NoError(t, ioutil.WriteFile(path, []byte(catalogJSON), 0600))

	c, err := LoadCatalog(path)
	require.NoError(t, err)
	require.Len(t, c.List(), 2)

	p, ok := c.Lookup("price_pro_monthly")
	require.True(t, ok)
	require.EqualValues(t, 1000, p.CreditsGranted)
	require.True(t, p.Recurring())

	p, ok = c.Lookup("price_pack_100")
	require.True(t, ok)
	require.False(t, p.Recurring())

	_, ok = c.Lookup("price_unknown")
	require.False(t, ok)
}

func TestNewCatalogRejects(t *testing.T) {
	valid := Price{ID: "p1", Name: "P", Currency: "usd", BillingInterval: IntervalMonth}

	_, err := NewCatalog([]Price{valid, valid})
	require.Error(t, err)

	bad := valid
	bad.CreditsGranted = -1
	_, err = NewCatalog([]Price{bad})
	require.Error(t, err)

	bad = valid
	bad.BillingInterval = "weekly"
	_, err = NewCatalog([]Price{bad})
	require.Error(t, err)
}

func TestLoadCatalogMissingFile(t *testing.T) {
	_, err := LoadCatalog(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
}
