package logfields

import "go.uber.org/zap"

func PullRequest(val int) zap.Field {
	return zap.Int("git.pull_request", val)
}

func Repository(val string) zap.Field {
	return zap.String("git.repository", val)
}

func RepositoryOwner(val string) zap.Field {
	return zap.String("git.repository_owner", val)
}

func Commit(val string) zap.Field {
	return zap.String("git.commit", val)
}

func ProjectURL(val string) zap.Field {
	return zap.String("git.project_url", val)
}
