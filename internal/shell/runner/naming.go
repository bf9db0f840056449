package runner

import "fmt"

// =============================================================================
// Resource Naming
// =============================================================================

// NetworkName returns the network name for a run.
func NetworkName(runID string) string {
	return fmt.Sprintf("upstack_%s", shortID(runID))
}

// VolumeName returns the engine volume name for a named descriptor volume.
func VolumeName(runID, volumeName string) string {
	return fmt.Sprintf("upstack_%s_%s", shortID(runID), volumeName)
}

// ContainerName returns the container name for a service within a run.
func ContainerName(runID, serviceName string) string {
	return fmt.Sprintf("upstack_%s_%s", shortID(runID), serviceName)
}

// LocalImageName returns the image tag expected for a service that declares
// a build context instead of an image.
func LocalImageName(stackName, serviceName string) string {
	return fmt.Sprintf("upstack_%s_%s:latest", stackName, serviceName)
}

// shortID truncates a run ID for readable resource names. UUIDs carry enough
// entropy in their first segment to keep concurrent runs apart.
func shortID(runID string) string {
	if len(runID) > 8 {
		return runID[:8]
	}
	return runID
}
