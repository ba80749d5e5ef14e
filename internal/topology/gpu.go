package topology

import (
	"os/exec"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

// ActiveGPUIndex asks the GPU runtime which CUDA device this process would
// use. Without bindings into the CUDA runtime the best available signal is
// nvidia-smi: if it reports devices, the active one is the first index the
// driver enumerates. Returns -1 when no usable GPU is present, which routes
// device selection to the rank-based strategy.
func ActiveGPUIndex() int {
	if _, err := exec.LookPath("nvidia-smi"); err != nil {
		log.Debug().Msg("nvidia-smi not found, no active GPU")
		return -1
	}

	out, err := exec.Command("nvidia-smi", "--query-gpu=index", "--format=csv,noheader").Output()
	if err != nil {
		log.Debug().Err(err).Msg("nvidia-smi query failed, no active GPU")
		return -1
	}

	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	if len(lines) == 0 || lines[0] == "" {
		return -1
	}
	idx, err := strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil || idx < 0 {
		return -1
	}
	return idx
}
