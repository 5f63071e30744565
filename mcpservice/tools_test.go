package mcpservice

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paygate-mcp/paygate/mcp"
	"github.com/paygate-mcp/paygate/sessions"
)

type nopSession struct{}

func (nopSession) SessionID() string       { return "test-session" }
func (nopSession) ProtocolVersion() string { return "2025-06-18" }
func (nopSession) GetElicitationCapability() (sessions.ElicitationCapability, bool) {
	return nil, false
}

type sumArgs struct {
	A float64 `json:"a" jsonschema:"description=First addend"`
	B float64 `json:"b" jsonschema:"description=Second addend"`
}

func sumTool() StaticTool {
	return NewTool("sum", func(ctx context.Context, sess sessions.Session, args sumArgs) (*mcp.CallToolResult, error) {
		return TextResult(fmt.Sprintf("%v", args.A+args.B)), nil
	}, WithToolDescription("adds two numbers"))
}

func TestNewToolSchemaReflection(t *testing.T) {
	tool := sumTool()

	assert.Equal(t, "sum", tool.Descriptor.Name)
	assert.Equal(t, "adds two numbers", tool.Descriptor.Description)

	schema := tool.Descriptor.InputSchema
	assert.Equal(t, "object", schema.Type)
	require.Contains(t, schema.Properties, "a")
	require.Contains(t, schema.Properties, "b")
	assert.Equal(t, "number", schema.Properties["a"].Type)
	assert.Equal(t, "First addend", schema.Properties["a"].Description)
	assert.ElementsMatch(t, []string{"a", "b"}, schema.Required)
	assert.False(t, schema.AdditionalProperties)
}

func TestCallToolDispatch(t *testing.T) {
	tc := NewToolsContainer(sumTool())

	res, err := tc.CallTool(context.Background(), nopSession{}, &mcp.CallToolRequestReceived{
		Name:      "sum",
		Arguments: json.RawMessage(`{"a":2,"b":3}`),
	})
	require.NoError(t, err)
	require.Len(t, res.Content, 1)
	assert.Equal(t, "5", res.Content[0].Text)
	assert.False(t, res.IsError)
}

func TestCallToolUnknownName(t *testing.T) {
	tc := NewToolsContainer(sumTool())

	_, err := tc.CallTool(context.Background(), nopSession{}, &mcp.CallToolRequestReceived{Name: "nope"})
	require.ErrorIs(t, err, ErrToolNotFound)
}

func TestCallToolRejectsUnknownFields(t *testing.T) {
	tc := NewToolsContainer(sumTool())

	res, err := tc.CallTool(context.Background(), nopSession{}, &mcp.CallToolRequestReceived{
		Name:      "sum",
		Arguments: json.RawMessage(`{"a":1,"b":2,"c":3}`),
	})
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, res.Content[0].Text, "invalid arguments")
}

func TestListToolsPagination(t *testing.T) {
	defs := make([]StaticTool, 0, 5)
	for i := 0; i < 5; i++ {
		name := fmt.Sprintf("tool-%d", i)
		defs = append(defs, NewTool(name, func(ctx context.Context, sess sessions.Session, args struct{}) (*mcp.CallToolResult, error) {
			return TextResult("ok"), nil
		}))
	}
	tc := NewToolsContainer(defs...)
	tc.SetPageSize(2)

	var all []string
	var cursor *string
	for {
		items, next := tc.ListTools(cursor)
		for _, it := range items {
			all = append(all, it.Name)
		}
		if next == "" {
			break
		}
		cursor = &next
	}

	assert.Equal(t, []string{"tool-0", "tool-1", "tool-2", "tool-3", "tool-4"}, all)
}

func TestListToolsBadCursor(t *testing.T) {
	tc := NewToolsContainer(sumTool())
	bogus := "not-a-cursor"
	items, next := tc.ListTools(&bogus)
	assert.Len(t, items, 1)
	assert.Empty(t, next)
}

func TestErrorfSetsIsError(t *testing.T) {
	res := Errorf("boom %d", 42)
	assert.True(t, res.IsError)
	require.Len(t, res.Content, 1)
	assert.Equal(t, "boom 42", res.Content[0].Text)
}
