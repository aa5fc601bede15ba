package iasapi

import (
	"fmt"
	"strings"
)

// UserInfo is the identity reported by the IAS user-info endpoint.
type UserInfo struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	DisplayName string `json:"displayName"`
	OrgID       string `json:"orgId"`
	OrgName     string `json:"org"`
	PictureURL  string `json:"picUrl"`
}

// parseUserInfo accepts both the flat claim layout and an org given as an {id, name} object.
func parseUserInfo(raw map[string]any) UserInfo {
	info := UserInfo{
		ID:          firstString(raw, "id", "sub"),
		Name:        firstString(raw, "name"),
		DisplayName: firstString(raw, "displayName", "display_name"),
		OrgID:       firstString(raw, "orgId", "org_id"),
		PictureURL:  firstString(raw, "picUrl", "picture"),
	}
	switch org := raw["org"].(type) {
	case string:
		info.OrgName = strings.TrimSpace(org)
	case map[string]any:
		info.OrgName = firstString(org, "name")
		if info.OrgID == "" {
			info.OrgID = firstString(org, "id")
		}
	}
	return info
}

func firstString(raw map[string]any, keys ...string) string {
	for _, key := range keys {
		switch value := raw[key].(type) {
		case string:
			if trimmed := strings.TrimSpace(value); trimmed != "" {
				return trimmed
			}
		case float64:
			return fmt.Sprintf("%.0f", value)
		}
	}
	return ""
}
