package database_test

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/frewsxcv/ichnaea/database"
)

func TestMasterSessionCommitsPendingWrites(t *testing.T) {
	db, drv := openFake(t, database.Config{})
	var ctx = context.Background()

	session, err := db.Session(ctx, database.RoleMaster)
	require.NoError(t, err)
	require.Equal(t, database.StateOpen, session.State())

	require.NoError(t, session.Add("INSERT INTO cell (cid) VALUES (?)", 1))
	require.NoError(t, session.Add("INSERT INTO cell (cid) VALUES (?)", 2))
	require.Equal(t, 2, session.Pending())
	require.Empty(t, drv.Execs())

	require.NoError(t, session.Commit(ctx))
	require.Equal(t, database.StateCommitted, session.State())
	require.Len(t, drv.Execs(), 2)
	require.Equal(t, 1, drv.Commits())

	var stateErr *database.SessionStateError
	require.True(t, errors.As(session.Commit(ctx), &stateErr))
	require.Equal(t, "commit", stateErr.Op)
	require.True(t, errors.As(session.Rollback(), &stateErr))

	require.NoError(t, session.Close())
	require.NoError(t, session.Close())
	require.Equal(t, database.StateClosed, session.State())
	require.Equal(t, 0, drv.Rollbacks())
	require.Empty(t, drv.Closed())
	require.Equal(t, 0, db.Stats().InUse)
}

func TestSessionBeginsWithConfiguredIsolation(t *testing.T) {
	db, drv := openFake(t, database.Config{IsolationLevel: "READ COMMITTED"})
	var ctx = context.Background()

	master, err := db.Session(ctx, database.RoleMaster)
	require.NoError(t, err)
	defer master.Close()
	replica, err := db.Session(ctx, database.RoleReplica)
	require.NoError(t, err)
	defer replica.Close()

	require.Equal(t, []driver.TxOptions{
		{Isolation: driver.IsolationLevel(sql.LevelReadCommitted), ReadOnly: false},
		{Isolation: driver.IsolationLevel(sql.LevelReadCommitted), ReadOnly: true},
	}, drv.TxOptions())
}

func TestReplicaSessionNeverCommits(t *testing.T) {
	db, drv := openFake(t, database.Config{})
	var ctx = context.Background()

	session, err := db.Session(ctx, database.RoleReplica)
	require.NoError(t, err)

	require.Equal(t, database.ErrReadOnlySession, session.Commit(ctx))
	require.Equal(t, database.ErrReadOnlySession, session.Add("DELETE FROM cell"))
	_, err = session.Upsert(ctx, database.Insert{Table: "cell", Columns: []string{"cid"}}, 1)
	require.Equal(t, database.ErrReadOnlySession, err)

	require.NoError(t, session.Close())
	require.Equal(t, 0, drv.Commits())
	require.Equal(t, 1, drv.Rollbacks())
}

func TestCloseRollsBackOpenSession(t *testing.T) {
	db, drv := openFake(t, database.Config{})
	var ctx = context.Background()

	session, err := db.Session(ctx, database.RoleMaster)
	require.NoError(t, err)
	require.NoError(t, session.Add("UPDATE cell SET total_measures = 0"))

	require.NoError(t, session.Close())
	require.Equal(t, 1, drv.Rollbacks())
	require.Equal(t, 0, drv.Commits())
	require.Empty(t, drv.Execs())
	require.Equal(t, 0, db.Stats().InUse)

	_, err = session.Exec(ctx, "SELECT 1")
	var stateErr *database.SessionStateError
	require.True(t, errors.As(err, &stateErr))
	require.Equal(t, database.StateClosed, stateErr.State)
}

func TestCloseReleasesConnectionWhenRollbackFails(t *testing.T) {
	db, drv := openFake(t, database.Config{PoolSize: 1})
	var ctx = context.Background()

	session, err := db.Session(ctx, database.RoleMaster)
	require.NoError(t, err)

	drv.FailRollback(errors.New("lost connection during rollback"))
	require.Error(t, session.Close())
	require.Equal(t, database.StateClosed, session.State())

	// A conexão foi descartada e o slot liberado.
	require.Equal(t, []int{1}, drv.Closed())
	require.Equal(t, 0, db.Stats().InUse)

	drv.FailRollback(nil)
	session, err = db.Session(ctx, database.RoleMaster)
	require.NoError(t, err)
	require.NoError(t, session.Close())
}

func TestFailedCommitLeavesSessionRolledBack(t *testing.T) {
	db, drv := openFake(t, database.Config{})
	var ctx = context.Background()

	session, err := db.Session(ctx, database.RoleMaster)
	require.NoError(t, err)

	drv.FailCommit(errors.New("deadlock found when trying to get lock"))
	require.Error(t, session.Commit(ctx))
	require.Equal(t, database.StateRolledBack, session.State())

	require.NoError(t, session.Close())
	require.Equal(t, 0, db.Stats().InUse)
}

func TestFailedFlushWithFailedRollbackDiscardsConnection(t *testing.T) {
	db, drv := openFake(t, database.Config{PoolSize: 1})
	var ctx = context.Background()

	session, err := db.Session(ctx, database.RoleMaster)
	require.NoError(t, err)
	require.NoError(t, session.Add("INSERT INTO cell (cid) VALUES (?)", 1))

	drv.FailExec(errors.New("lost connection during query"))
	drv.FailRollback(errors.New("lost connection during rollback"))
	require.Error(t, session.Commit(ctx))
	require.Equal(t, database.StateRolledBack, session.State())
	require.Zero(t, drv.Commits())

	// A conexão é descartada já no commit; o Close não a devolve de novo.
	require.Equal(t, []int{1}, drv.Closed())
	require.Equal(t, 0, db.Stats().InUse)
	require.NoError(t, session.Close())
	require.Equal(t, []int{1}, drv.Closed())

	drv.FailExec(nil)
	drv.FailRollback(nil)
	session, err = db.Session(ctx, database.RoleMaster)
	require.NoError(t, err)
	require.NoError(t, session.Close())
}

func TestReadOnlyViewSharesMasterTransaction(t *testing.T) {
	db, drv := openFake(t, database.Config{PoolSize: 1})
	var ctx = context.Background()

	master, err := db.Session(ctx, database.RoleMaster)
	require.NoError(t, err)

	view, err := master.ReadOnlyView()
	require.NoError(t, err)
	require.True(t, view.Borrowed())
	require.Equal(t, database.RoleReplica, view.Role())
	require.True(t, view.Tx() == master.Tx())

	_, err = view.ReadOnlyView()
	require.Error(t, err)

	// Nenhuma conexão extra: o pool tem um único slot.
	require.Equal(t, 1, db.Stats().InUse)

	require.NoError(t, view.Rollback())
	require.NoError(t, view.Close())
	require.Equal(t, 0, drv.Rollbacks())
	require.Equal(t, database.StateOpen, master.State())

	require.NoError(t, master.Commit(ctx))
	require.NoError(t, master.Close())
	require.Equal(t, 1, drv.Commits())
	require.Equal(t, 0, db.Stats().InUse)
}

func TestReadOnlyViewIsUnusableAfterMasterEnds(t *testing.T) {
	db, _ := openFake(t, database.Config{})
	var ctx = context.Background()

	master, err := db.Session(ctx, database.RoleMaster)
	require.NoError(t, err)
	view, err := master.ReadOnlyView()
	require.NoError(t, err)

	require.NoError(t, master.Close())

	var n int
	var stateErr *database.SessionStateError
	require.True(t, errors.As(view.Get(ctx, &n, "SELECT 1"), &stateErr))
	require.NoError(t, view.Close())
}

func TestSessionCheckoutFailureIsReturned(t *testing.T) {
	db, drv := openFake(t, database.Config{ProbeAttempts: 1})
	drv.FailPings(driver.ErrBadConn)

	_, err := db.Session(context.Background(), database.RoleMaster)
	require.True(t, errors.Is(err, database.ErrConnectionUnavailable))
	require.Equal(t, 0, db.Stats().InUse)
}
