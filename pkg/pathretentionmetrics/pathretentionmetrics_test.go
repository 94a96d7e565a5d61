package pathretentionmetrics

import (
	"bytes"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/paulschiretz/pgl-serverbackup/pkg/plog"
)

func TestRetentionMetrics_Adders(t *testing.T) {
	m := &RetentionMetrics{}

	m.AddArchivesDeleted(5)
	m.AddArchivesFailed(2)

	if got := m.ArchivesDeleted.Load(); got != 5 {
		t.Errorf("expected ArchivesDeleted to be 5, got %d", got)
	}
	if got := m.ArchivesFailed.Load(); got != 2 {
		t.Errorf("expected ArchivesFailed to be 2, got %d", got)
	}
}

func TestRetentionMetrics_Log(t *testing.T) {
	// Arrange
	var logBuf bytes.Buffer
	plog.SetOutput(&logBuf)
	t.Cleanup(func() { plog.SetOutput(os.Stderr) })

	// Act
	m := &RetentionMetrics{}
	m.AddArchivesDeleted(10)
	m.AddArchivesFailed(3)
	m.LogSummary("Test Prune Summary")

	// Assert
	output := logBuf.String()
	for _, want := range []string{`msg="Test Prune Summary"`, "archives_deleted=10", "archives_failed=3"} {
		if !strings.Contains(output, want) {
			t.Errorf("expected log output to contain %q. Got: %s", want, output)
		}
	}
}

func TestRetentionMetrics_StopProgressIsIdempotent(t *testing.T) {
	m := &RetentionMetrics{}
	m.StartProgress("progress", time.Hour)
	m.StopProgress()
	m.StopProgress()
	m.StartProgress("progress", time.Hour)
	m.StopProgress()
}

func TestNoopMetrics(t *testing.T) {
	m := &NoopMetrics{}

	defer func() {
		if r := recover(); r != nil {
			t.Errorf("NoopMetrics method panicked: %v", r)
		}
	}()

	m.AddArchivesDeleted(1)
	m.AddArchivesFailed(1)
	m.LogSummary("noop test")
	m.StartProgress("noop", 0)
	m.StopProgress()
}
