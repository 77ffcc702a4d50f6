package plan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const jsonPlan = `{
  "tasks": [
    {
      "id": "t1",
      "owner": "implementor",
      "depends_on": [],
      "file_scope": {"writes": ["src/a.go"], "allow": ["src/**"]},
      "acceptance_criteria": [
        {"id": "c1", "kind": "file", "path": "src/a.go"},
        {"id": "c2", "kind": "command", "command": "go build ./...", "exit_code": 0}
      ]
    },
    {
      "id": "t2",
      "owner": "tests",
      "depends_on": ["t1"],
      "file_scope": {"writes": ["src/a_test.go"]}
    }
  ],
  "parallel_execution": {
    "enabled": true,
    "max_concurrent": 2,
    "groups": [
      {"group_id": "g1", "tasks": ["t1"]},
      {"group_id": "g2", "tasks": ["t2"], "depends_on_groups": ["g1"]}
    ]
  }
}`

const yamlPlan = `
tasks:
  - id: t1
    owner: implementor
    file_scope:
      writes:
        - src/a.go
    acceptance_criteria:
      - id: c1
        kind: grep
        path: src/
        pattern: "func main"
parallel_execution:
  enabled: false
`

func TestDecode_JSON(t *testing.T) {
	p, err := Decode([]byte(jsonPlan))
	require.NoError(t, err)

	require.Len(t, p.Tasks, 2)
	assert.Equal(t, "t1", p.Tasks[0].ID)
	assert.Equal(t, OwnerImplementor, p.Tasks[0].Owner)
	assert.Equal(t, []string{"src/a.go"}, p.Tasks[0].FileScope.Writes)
	require.Len(t, p.Tasks[0].AcceptanceCriteria, 2)
	assert.Equal(t, VerificationCommand, p.Tasks[0].AcceptanceCriteria[1].Kind)

	assert.True(t, p.Parallel.Enabled)
	assert.Equal(t, 2, p.Parallel.MaxConcurrent)
	require.Len(t, p.Parallel.Groups, 2)
	assert.Equal(t, []string{"g1"}, p.Parallel.Groups[1].DependsOnGroups)
}

func TestDecode_YAML(t *testing.T) {
	p, err := Decode([]byte(yamlPlan))
	require.NoError(t, err)

	require.Len(t, p.Tasks, 1)
	assert.Equal(t, "t1", p.Tasks[0].ID)
	assert.False(t, p.Parallel.Enabled)
	require.Len(t, p.Tasks[0].AcceptanceCriteria, 1)
	assert.Equal(t, VerificationGrep, p.Tasks[0].AcceptanceCriteria[0].Kind)
}

func TestDecode_Empty(t *testing.T) {
	_, err := Decode([]byte("   \n\t"))
	assert.ErrorIs(t, err, ErrEmptyDocument)
}

func TestDecode_UnknownVerificationKind(t *testing.T) {
	doc := `{
	  "tasks": [
	    {
	      "id": "t1",
	      "owner": "implementor",
	      "file_scope": {"writes": ["a.txt"]},
	      "acceptance_criteria": [{"id": "c1", "kind": "telepathy"}]
	    }
	  ],
	  "parallel_execution": {"enabled": false}
	}`

	_, err := Decode([]byte(doc))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported verification kind")
	assert.Contains(t, err.Error(), "telepathy")
}

func TestDecode_MissingVerificationKind(t *testing.T) {
	doc := `{
	  "tasks": [
	    {
	      "id": "t1",
	      "owner": "implementor",
	      "file_scope": {"writes": ["a.txt"]},
	      "acceptance_criteria": [{"id": "c1"}]
	    }
	  ],
	  "parallel_execution": {"enabled": false}
	}`

	_, err := Decode([]byte(doc))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "has no kind")
}

func TestPlan_Lookups(t *testing.T) {
	p, err := Decode([]byte(jsonPlan))
	require.NoError(t, err)

	require.NotNil(t, p.TaskByID("t2"))
	assert.Nil(t, p.TaskByID("missing"))

	require.NotNil(t, p.GroupByID("g1"))
	assert.Nil(t, p.GroupByID("g9"))

	assert.Equal(t, "g2", p.GroupOf("t2"))
	assert.Equal(t, "", p.GroupOf("missing"))
}

func TestTaskStatus_Terminal(t *testing.T) {
	terminal := []TaskStatus{StatusCompleted, StatusPartial, StatusFailed, StatusBlocked, StatusSkipped}
	for _, s := range terminal {
		assert.True(t, s.Terminal(), string(s))
	}
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusRunning.Terminal())
}
