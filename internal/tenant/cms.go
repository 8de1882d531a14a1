package tenant

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"

	"github.com/user/chatwidget/internal/types"
)

// StaticCMS serves a fixed CMS profile for visitors launched from a tenant
// CMS. The user id is stable per tenant and email.
type StaticCMS struct{}

func (StaticCMS) Context(_ context.Context, tenantID, email string) (*types.CMSContext, error) {
	if tenantID == "" || email == "" {
		return nil, errors.New("tenant id and email are required")
	}
	role := "Viewer"
	if strings.Contains(strings.ToLower(email), "admin") {
		role = "Administrator"
	}
	id := uuid.NewSHA1(uuid.NameSpaceURL, []byte(tenantID+":"+strings.ToLower(email)))
	return &types.CMSContext{
		UserID:           "cms-" + id.String()[:8],
		Role:             role,
		Permissions:      []string{"read_docs", "search_compliance"},
		Department:       "Legal",
		Location:         "New York",
		RecentActivities: []string{"viewed_policy_A", "searched_gdpr"},
	}, nil
}
