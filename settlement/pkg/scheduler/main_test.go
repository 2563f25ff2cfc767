package scheduler

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"

	pgtesting "github.com/malbeclabs/clearing/settlement/pkg/pg/testing"
	clearingtesting "github.com/malbeclabs/clearing/utils/pkg/testing"
)

var (
	sharedDB *pgtesting.DB
)

func TestMain(m *testing.M) {
	log := clearingtesting.NewLogger()

	var err error
	sharedDB, err = pgtesting.NewDB(context.Background(), log, nil)
	if err != nil {
		log.Error("failed to create shared DB", "error", err)
		os.Exit(1)
	}

	code := m.Run()

	sharedDB.Close()

	os.Exit(code)
}

func testPool(t *testing.T) *pgxpool.Pool {
	pool := pgtesting.NewTestDB(t, sharedDB)
	return pool
}
