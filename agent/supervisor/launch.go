package supervisor

import (
	"fmt"
	"math"
	"os"
	"os/exec"
)

// HeapBounds are the JVM heap sizes in bytes.
type HeapBounds struct {
	Min uint64
	Max uint64
}

// HeapFor returns heap bounds of 10% and 20% of the given total memory, rounded to the nearest byte.
func HeapFor(totalMemory uint64) HeapBounds {
	return HeapBounds{
		Min: uint64(math.Round(float64(totalMemory) * 0.1)),
		Max: uint64(math.Round(float64(totalMemory) * 0.2)),
	}
}

// LaunchSpec describes one launch of the server.
type LaunchSpec struct {
	// Dir is the working directory of the server process.
	Dir string
	// Artifact is the core artifact filename, relative to Dir.
	Artifact string
	Heap     HeapBounds
}

// CommandBuilder builds the command used to launch the server.
// If the returned command has no Stdin, the supervisor attaches a pipe for graceful shutdown.
type CommandBuilder func(spec LaunchSpec) *exec.Cmd

// JavaCommand launches the artifact as an executable jar:
//
//	java -Xms<min> -Xmx<max> -jar <artifact> --nogui
func JavaCommand(java string) CommandBuilder {
	return func(spec LaunchSpec) *exec.Cmd {
		cmd := exec.Command(
			java,
			fmt.Sprintf("-Xms%d", spec.Heap.Min),
			fmt.Sprintf("-Xmx%d", spec.Heap.Max),
			"-jar",
			spec.Artifact,
			"--nogui",
		)
		cmd.Dir = spec.Dir
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		return cmd
	}
}
