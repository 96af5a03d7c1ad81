package ownership

import "mining-settlement/model"

// UserScores is the payhash of a window grouped by user.
type UserScores struct {
	Users      map[int64]int64
	Total      int64
	Unclaimed  int64
	Unresolved []string
}

// Collapse groups worker scores by owner. Work of unresolved workers is credited to
// sinkUserId.
func Collapse(scores []model.WorkerPayhashScore, owners map[string]int64, sinkUserId int64) UserScores {
	out := UserScores{Users: make(map[int64]int64)}
	for _, s := range scores {
		if s.TotalPayhash <= 0 {
			continue
		}
		out.Total += s.TotalPayhash
		userId, ok := owners[s.WorkerId]
		if !ok {
			out.Unclaimed += s.TotalPayhash
			out.Unresolved = append(out.Unresolved, s.WorkerId)
			out.Users[sinkUserId] += s.TotalPayhash
			continue
		}
		out.Users[userId] += s.TotalPayhash
	}
	return out
}
