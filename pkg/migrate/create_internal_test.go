package migrate

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateAtRefusesToOverwrite(t *testing.T) {
	dir := t.TempDir()
	at := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	path, err := createAt(dir, "add payout notes", at)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "20260302090000_add_payout_notes.sql"), path)

	_, err = createAt(dir, "add payout notes", at)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}

func TestCheckSectionsOrderAndBalance(t *testing.T) {
	assert.NoError(t, checkSections("ok.sql", upMarker+"\n"+downMarker+"\n"))
	assert.Error(t, checkSections("swapped.sql", downMarker+"\n"+upMarker+"\n"))
	assert.Error(t, checkSections("unbalanced.sql", upMarker+"\n"+stmtBeginToken+"\n"+downMarker+"\n"))
}

func TestValidateDirReportsEveryProblem(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.sql"), []byte(""), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "20260302090000_no_down.sql"), []byte(upMarker), 0o644))

	err := ValidateDir(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid migration filename")
	assert.Contains(t, err.Error(), "missing")
}
