package remnawave

type CreateUserRequest struct {
	Username             string   `json:"username"`
	Status               string   `json:"status"`
	TrafficLimitBytes    int64    `json:"trafficLimitBytes"`
	TrafficLimitStrategy string   `json:"trafficLimitStrategy"`
	ExpireAt             string   `json:"expireAt"` // ISO 8601
	Description          string   `json:"description,omitempty"`
	ActiveInternalSquads []string `json:"activeInternalSquads,omitempty"`
}

type UpdateUserRequest struct {
	UUID                 string `json:"uuid"`
	Status               string `json:"status"`
	TrafficLimitBytes    int64  `json:"trafficLimitBytes"`
	TrafficLimitStrategy string `json:"trafficLimitStrategy"`
	ExpireAt             string `json:"expireAt"`
}

type UserResponse struct {
	UUID                 string `json:"uuid"`
	ShortUUID            string `json:"shortUuid"`
	Username             string `json:"username"`
	Status               string `json:"status"`
	TrafficLimitBytes    int64  `json:"trafficLimitBytes"`
	TrafficLimitStrategy string `json:"trafficLimitStrategy"`
	ExpireAt             string `json:"expireAt"`
	SubscriptionURL      string `json:"subscriptionUrl"`
}

type usersPage struct {
	Users []UserResponse `json:"users"`
	Total int            `json:"total"`
}

// все ответы панели завёрнуты в {"response": ...}
type envelope[T any] struct {
	Response T `json:"response"`
}

const (
	statusActive     = "ACTIVE"
	strategyNoReset  = "NO_RESET"
	usersPageSize    = 250
	expireTimeLayout = "2006-01-02T15:04:05.000Z"
)
