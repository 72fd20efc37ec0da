package models

// UserProfile is the presence-bearing user record at users/<uid>, mirrored at directory/<uid>.
type UserProfile struct {
	UID         string `json:"uid"`
	Email       string `json:"email,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
	PhotoURL    string `json:"photoURL,omitempty"`
	Online      bool   `json:"online"`
	LastSeen    int64  `json:"lastSeen"`
}

// PushTokenMetadata accompanies the raw push token string.
type PushTokenMetadata struct {
	UserID    string `json:"userId"`
	CreatedAt int64  `json:"createdAt"`
	UpdatedAt int64  `json:"updatedAt"`
	Platform  string `json:"platform"`
}

// DirectoryPath holds one UserProfile per user, keyed by uid, so tabs can list
// peers without reading anyone's notifications or tokens.
const DirectoryPath = "directory"

func DirectoryEntryPath(uid string) string { return DirectoryPath + "/" + uid }

func UserPath(uid string) string { return "users/" + uid }

func NotificationsPath(uid string) string { return UserPath(uid) + "/notifications" }

func NotificationPath(uid, id string) string { return NotificationsPath(uid) + "/" + id }

func PushTokenPath(uid string) string { return UserPath(uid) + "/pushToken" }

func PushTokenMetadataPath(uid string) string { return UserPath(uid) + "/pushTokenMetadata" }

// UserGroupsPath indexes the groups a user belongs to, as groupId -> true.
func UserGroupsPath(uid string) string { return UserPath(uid) + "/groups" }

func UserGroupPath(uid, groupID string) string { return UserGroupsPath(uid) + "/" + groupID }
