package main

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"

	"adega/backend/internal/app"
	"adega/backend/internal/kv"
	"adega/backend/internal/remote"
	"adega/backend/internal/syncer"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cliApp := newApp()
	cliApp.Writer = &out
	cliApp.ErrWriter = &errOut
	cliApp.ExitErrHandler = func(*cli.Context, error) {}
	err := cliApp.Run(append([]string{"adegactl"}, args...))
	return out.String(), err
}

func TestBarcodeGenerate(t *testing.T) {
	out, err := runCLI(t, "barcode", "generate", "V1", "V010")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "V1\t7890000000017", lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "V010\t789000000010"))
}

func TestBarcodeValidateExitCode(t *testing.T) {
	out, err := runCLI(t, "barcode", "validate", "7890000000017")
	require.NoError(t, err)
	assert.Contains(t, out, "valid")

	out, err = runCLI(t, "barcode", "validate", "7890000000017", "7890000000018")
	require.Error(t, err)
	var exit cli.ExitCoder
	require.ErrorAs(t, err, &exit)
	assert.Equal(t, 1, exit.ExitCode())
	assert.Contains(t, out, "7890000000018\tinvalid")
}

func TestBarcodeNextCode(t *testing.T) {
	out, err := runCLI(t, "barcode", "next-code", "V009", "V010")
	require.NoError(t, err)
	assert.Equal(t, "V011", strings.TrimSpace(out))

	out, err = runCLI(t, "barcode", "next-code")
	require.NoError(t, err)
	assert.Equal(t, "V001", strings.TrimSpace(out))
}

func TestResetRequiresConfirmation(t *testing.T) {
	_, err := runCLI(t, "reset")
	var exit cli.ExitCoder
	require.ErrorAs(t, err, &exit)
	assert.Equal(t, 2, exit.ExitCode())
}

func TestRunSyncPrintsStatus(t *testing.T) {
	ctx := context.Background()
	shared := remote.NewMemory()
	a, err := app.New(ctx, app.Options{KV: kv.NewMemory(kv.DefaultPrefix), Remote: shared, SeedOnEmpty: true})
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, runSync(ctx, a, &out))

	var status syncer.Status
	require.NoError(t, json.Unmarshal(out.Bytes(), &status))
	assert.Equal(t, syncer.StateSynced, status.State)
	assert.Equal(t, a.DeviceID, status.DeviceID)
	assert.Equal(t, 1, shared.Pushes())
}

func TestRunSyncFailsWhenRemoteIsDown(t *testing.T) {
	ctx := context.Background()
	shared := remote.NewMemory()
	shared.FetchErr = assert.AnError
	a, err := app.New(ctx, app.Options{KV: kv.NewMemory(kv.DefaultPrefix), Remote: shared, SeedOnEmpty: true})
	require.NoError(t, err)

	var out bytes.Buffer
	err = runSync(ctx, a, &out)
	var exit cli.ExitCoder
	require.ErrorAs(t, err, &exit)
	assert.Contains(t, out.String(), `"state": "error"`)
}
