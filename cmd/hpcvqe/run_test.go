package main

import (
	"bytes"
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perclft/hpcvqe/internal/config"
	"github.com/perclft/hpcvqe/internal/vqe"
	"github.com/perclft/hpcvqe/modules/ansatz"
	"github.com/perclft/hpcvqe/services/runstore"
)

const h2Geometry = "2\nhydrogen molecule\nH 0 0 0\nH 0 0 0.735\n"

type runFiles struct {
	log, energy, hamiltonian string
}

func outputArgs(t *testing.T) (runFiles, []string) {
	t.Helper()
	dir := t.TempDir()
	files := runFiles{
		log:         filepath.Join(dir, "all_results.log"),
		energy:      filepath.Join(dir, "energy.result"),
		hamiltonian: filepath.Join(dir, "hamiltonian.result"),
	}
	return files, []string{
		"--out-filename", files.log,
		"--out-energy-filename", files.energy,
		"--out-hamiltonian-filename", files.hamiltonian,
	}
}

func clearLauncherEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"VQE_RANK", "VQE_SIZE",
		"OMPI_COMM_WORLD_RANK", "OMPI_COMM_WORLD_SIZE",
		"PMI_RANK", "PMI_SIZE",
	} {
		t.Setenv(key, "")
	}
}

func TestRun_LocalGroupH2(t *testing.T) {
	clearLauncherEnv(t)
	files, args := outputArgs(t)
	args = append(args,
		"--local-ranks", "4",
		"--n-virtual-qpus", "2",
		"--n-hydrogens", "2",
		"--max-evals", "30",
		"--seed", "11",
		"--log-level", "error",
	)

	var stdout, stderr bytes.Buffer
	code := run(context.Background(), args, strings.NewReader(h2Geometry), &stdout, &stderr)
	require.Equal(t, exitOK, code, stderr.String())

	assert.Equal(t, "Start running H2 with 2 QPUs.\n", stdout.String())

	logText, err := os.ReadFile(files.log)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(logText)), "\n")
	require.GreaterOrEqual(t, len(lines), 5)
	assert.True(t, strings.HasPrefix(lines[0], "Hamiltonian generation runtime: "))
	assert.True(t, strings.HasSuffix(lines[0], " [ms]."))
	assert.True(t, strings.HasPrefix(lines[1], "Ansatz generation runtime: "))
	assert.True(t, strings.HasPrefix(lines[2], "Processed "))
	assert.True(t, strings.HasPrefix(lines[len(lines)-2], "Min energy = "))
	assert.True(t, strings.HasPrefix(lines[len(lines)-1], "Optimal parameters = "))

	// hea with one layer on 4 qubits has 4 parameters.
	params := strings.Split(strings.TrimPrefix(lines[len(lines)-1], "Optimal parameters = "), ", ")
	assert.Len(t, params, 4)

	energyText, err := os.ReadFile(files.energy)
	require.NoError(t, err)
	energy, err := strconv.ParseFloat(strings.TrimSpace(string(energyText)), 64)
	require.NoError(t, err)
	assert.Equal(t, "Min energy = "+strings.TrimSpace(string(energyText)), lines[len(lines)-2])
	assert.False(t, math.IsNaN(energy))

	ham, err := os.ReadFile(files.hamiltonian)
	require.NoError(t, err)
	assert.Contains(t, string(ham), "(")
	assert.True(t, strings.HasSuffix(string(ham), "\n"))
}

func TestRun_SameSeedSameResult(t *testing.T) {
	clearLauncherEnv(t)
	energies := make([]string, 2)
	for i := range energies {
		files, args := outputArgs(t)
		args = append(args,
			"--local-ranks", "2",
			"--molecule", "H2_equilibrium",
			"--n-hydrogens", "2",
			"--max-evals", "20",
			"--seed", "5",
			"--log-level", "error",
		)
		var stdout, stderr bytes.Buffer
		require.Equal(t, exitOK, run(context.Background(), args, strings.NewReader(""), &stdout, &stderr), stderr.String())

		data, err := os.ReadFile(files.energy)
		require.NoError(t, err)
		energies[i] = string(data)
	}
	assert.Equal(t, energies[0], energies[1])
}

func TestRun_VerboseEchoesGeometry(t *testing.T) {
	clearLauncherEnv(t)
	_, args := outputArgs(t)
	args = append(args, "--local-ranks", "2", "--n-hydrogens", "2", "--max-evals", "5", "--verbose")

	var stdout, stderr bytes.Buffer
	require.Equal(t, exitOK, run(context.Background(), args, strings.NewReader(h2Geometry), &stdout, &stderr), stderr.String())

	logs := stderr.String()
	assert.Equal(t, 2, strings.Count(logs, "Received geometry"), "one echo per rank")
	assert.Contains(t, logs, "OPENQASM 3.0;")
	assert.Contains(t, logs, `"rank":1`)
}

func TestRun_OutputFileExitCodes(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "no-such-dir", "out")

	testCases := []struct {
		name string
		flag string
		want int
	}{
		{"run log", "--out-filename", exitLogFile},
		{"energy", "--out-energy-filename", exitEnergyFile},
		{"hamiltonian", "--out-hamiltonian-filename", exitHamiltonian},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			clearLauncherEnv(t)
			_, args := outputArgs(t)
			args = append(args, tc.flag, missing, "--local-ranks", "2", "--n-hydrogens", "2", "--log-level", "error")

			var stdout, stderr bytes.Buffer
			code := run(context.Background(), args, strings.NewReader(h2Geometry), &stdout, &stderr)
			assert.Equal(t, tc.want, code)
		})
	}
}

func TestRun_ConfigErrors(t *testing.T) {
	testCases := []struct {
		name  string
		args  []string
		stdin string
	}{
		{"unknown flag", []string{"--frobnicate"}, h2Geometry},
		{"unknown ansatz", []string{"--ansatz", "uccsd"}, h2Geometry},
		{"unknown optimizer", []string{"--optimizer", "bfgs"}, h2Geometry},
		{"unknown molecule", []string{"--molecule", "Unobtainium"}, ""},
		{"width mismatch", []string{"--n-hydrogens", "3"}, h2Geometry},
		{"basis", []string{"--basis", "cc-pvdz"}, h2Geometry},
		{"list runs without redis", []string{"--list-runs", "3"}, ""},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			clearLauncherEnv(t)
			_, args := outputArgs(t)
			args = append([]string{"--local-ranks", "2", "--n-hydrogens", "2", "--log-level", "error"}, args...)
			args = append(args, tc.args...)

			var stdout, stderr bytes.Buffer
			code := run(context.Background(), args, strings.NewReader(tc.stdin), &stdout, &stderr)
			assert.Equal(t, exitConfig, code, stderr.String())
		})
	}
}

func TestRun_EmptyGeometry(t *testing.T) {
	clearLauncherEnv(t)
	_, args := outputArgs(t)
	args = append(args, "--local-ranks", "2", "--n-hydrogens", "2", "--log-level", "error")

	var stdout, stderr bytes.Buffer
	code := run(context.Background(), args, strings.NewReader("  \n"), &stdout, &stderr)
	assert.Equal(t, exitFailure, code)
	assert.Contains(t, stderr.String(), "empty geometry")
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, exitOK, exitCode(nil))
	assert.Equal(t, exitEnergyFile, exitCode(&exitError{code: exitEnergyFile, err: errors.New("x")}))
	assert.Equal(t, exitConfig, exitCode(config.ErrInvalid))
	assert.Equal(t, exitConfig, exitCode(ansatz.ErrUnknownKind))
	assert.Equal(t, exitConfig, exitCode(vqe.ErrUnknownOptimizer))
	assert.Equal(t, exitFailure, exitCode(errors.New("boom")))
}

func TestPrintRuns(t *testing.T) {
	var out bytes.Buffer
	err := printRuns(&out, []*runstore.Run{
		{ID: "b", State: runstore.StateCompleted, Molecule: "H2", Evaluations: 40, BestEnergy: -1.137},
		{ID: "a", State: runstore.StateRunning, Molecule: "LiH"},
	})
	require.NoError(t, err)
	assert.Equal(t,
		"b\tcompleted\tH2\t40 evaluations\t-1.137\n"+
			"a\trunning\tLiH\t0 evaluations\t-\n",
		out.String())
}
