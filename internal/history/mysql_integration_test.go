//go:build integration

package history

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcmysql "github.com/testcontainers/testcontainers-go/modules/mysql"
	"gorm.io/driver/mysql"
)

func TestMySQLStoreIntegration(t *testing.T) {
	ctx := t.Context()

	container, err := tcmysql.Run(ctx, "mysql:8.4",
		tcmysql.WithDatabase("xrayscan"),
		tcmysql.WithUsername("xrayscan"),
		tcmysql.WithPassword("xrayscan"),
	)
	defer func() {
		if err := testcontainers.TerminateContainer(container); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	}()
	require.NoError(t, err)

	dsn, err := container.ConnectionString(ctx, "parseTime=true", "charset=utf8mb4")
	require.NoError(t, err)

	store, err := OpenGorm(mysql.Open(dsn), "mysql", true)
	require.NoError(t, err)
	defer func() { require.NoError(t, store.Close()) }()

	assert.Empty(t, store.ReadAll(ctx))

	first := record("http://x/processed_images/1.jpg", 0.91)
	second := record("http://x/processed_images/2.jpg", 0.4, 0.3)
	second.SavedAt = first.SavedAt.Add(time.Minute)

	require.NoError(t, store.Append(ctx, first))
	require.NoError(t, store.Append(ctx, second))

	got := store.ReadAll(ctx)
	require.Len(t, got, 2)
	assert.Equal(t, []string{second.ImageReference, first.ImageReference}, refs(got))
	assert.Equal(t, second.Findings, got[0].Findings)
}
