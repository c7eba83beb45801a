package store

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agentmesh/controlplane/pkg/model"
)

func TestApprovalRepo_CreateResolve_UpdatesStatus(t *testing.T) {
	s := newTestStore(t)
	rec := &model.HITLApproval{
		ID: "appr-1", SessionID: "sess-1", ToolCallID: "call-1",
		ToolName: "delete_file", Arguments: map[string]any{"path": "/tmp/x"},
		Status: model.ApprovalPending,
	}
	require.NoError(t, s.Approvals().Create(rec))
	require.NoError(t, s.Approvals().Resolve("appr-1", model.ApprovalApproved))
}

func TestApprovalRepo_DenyAllPending_OnlyTouchesPendingRows(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Approvals().Create(&model.HITLApproval{
		ID: "appr-1", SessionID: "sess-1", ToolCallID: "call-1", ToolName: "x", Status: model.ApprovalPending,
	}))
	require.NoError(t, s.Approvals().Create(&model.HITLApproval{
		ID: "appr-2", SessionID: "sess-1", ToolCallID: "call-2", ToolName: "y", Status: model.ApprovalPending,
	}))
	require.NoError(t, s.Approvals().Create(&model.HITLApproval{
		ID: "appr-3", SessionID: "sess-1", ToolCallID: "call-3", ToolName: "z", Status: model.ApprovalApproved,
	}))

	n, err := s.Approvals().DenyAllPending()
	require.NoError(t, err)
	require.EqualValues(t, 2, n)

	n2, err := s.Approvals().DenyAllPending()
	require.NoError(t, err)
	require.EqualValues(t, 0, n2)
}

func TestProposalRepo_CreateGet_PacksParametersAndHandlerConfig(t *testing.T) {
	s := newTestStore(t)
	p := &model.ToolProposal{
		ID: "prop-1", SessionID: "sess-1", ToolCallID: "call-1", Name: "weather_lookup",
		HandlerType: model.HandlerHTTP, Parameters: map[string]any{"city": "string"},
		HandlerConfig: model.ToolHandlerConfig{URL: "https://example.com/weather", Method: "GET"},
		Status:        model.ProposalPending,
	}
	require.NoError(t, s.Proposals().Create(p))

	got, err := s.Proposals().Get("prop-1")
	require.NoError(t, err)
	require.Equal(t, "weather_lookup", got.Name)
	require.Equal(t, model.HandlerHTTP, got.HandlerType)
	require.Equal(t, "https://example.com/weather", got.HandlerConfig.URL)
	require.Equal(t, "string", got.Parameters["city"])
}

func TestProposalRepo_RejectAllPending_OnlyTouchesPendingRows(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Proposals().Create(&model.ToolProposal{
		ID: "prop-1", SessionID: "sess-1", ToolCallID: "call-1", Name: "x", Status: model.ProposalPending,
	}))
	require.NoError(t, s.Proposals().Create(&model.ToolProposal{
		ID: "prop-2", SessionID: "sess-1", ToolCallID: "call-2", Name: "y", Status: model.ProposalApproved,
	}))

	n, err := s.Proposals().RejectAllPending()
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}
