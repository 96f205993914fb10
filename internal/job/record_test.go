package job

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/coreos/stagerunner/internal/catalog"
)

func TestValidateRejectsJobDirOutsideRoot(t *testing.T) {
	r := Record{JobID: "20260731-alice-0001", Workflow: catalog.WorkflowTranscribe, JobDir: "/tmp/elsewhere"}
	err := r.Validate("/var/stagerunner/out")
	assert.Error(t, err)
}

func TestValidateAcceptsDescendantJobDir(t *testing.T) {
	root := "/var/stagerunner/out"
	r := Record{JobID: "20260731-alice-0001", Workflow: catalog.WorkflowTranscribe, JobDir: filepath.Join(root, "20260731-alice-0001")}
	assert.NoError(t, r.Validate(root))
}

func TestValidateRejectsNonURLSafeJobID(t *testing.T) {
	root := "/var/stagerunner/out"
	r := Record{JobID: "not safe!", Workflow: catalog.WorkflowTranscribe, JobDir: filepath.Join(root, "x")}
	assert.Error(t, r.Validate(root))
}

func TestValidateRequiresTargetLanguagesUnlessTranscribe(t *testing.T) {
	root := "/var/stagerunner/out"
	r := Record{JobID: "20260731-alice-0001", Workflow: catalog.WorkflowTranslate, JobDir: filepath.Join(root, "x")}
	assert.Error(t, r.Validate(root))

	r.TargetLanguages = []string{"hi"}
	assert.NoError(t, r.Validate(root))
}

func TestValidateRejectsBadClipRange(t *testing.T) {
	root := "/var/stagerunner/out"
	r := Record{JobID: "20260731-alice-0001", Workflow: catalog.WorkflowTranscribe, JobDir: filepath.Join(root, "x"), MediaClipRange: &ClipRange{Start: 10, End: 5}}
	assert.Error(t, r.Validate(root))
}
