package testutil

import (
	"fmt"
	"github.com/golang/glog"
	"os"
	"path"
)

const kTestRootDir = "/tmp/streamctl_test"

// CreateFreshTestDir wipes and recreates a per-test scratch directory and returns its path.
func CreateFreshTestDir(testName string) string {
	dataDir := path.Join(kTestRootDir, testName)
	if err := os.RemoveAll(dataDir); err != nil {
		glog.Fatalf("Unable to delete test directory: %s due to err: %v", dataDir, err)
	}
	if err := os.MkdirAll(dataDir, 0774); err != nil {
		glog.Fatalf("Unable to create test dir: %s due to err: %v", dataDir, err)
	}
	return dataDir
}

func LogTestMarker(testName string) {
	glog.InfoDepth(1, fmt.Sprintf("\n\n============================================================ %s "+
		"============================================================\n\n", testName))
}
