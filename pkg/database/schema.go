package database

import "sort"

// tableColumns 每张表允许读写的列，Postgres 与本地存储都以此为准
var tableColumns = map[string][]string{
	TableOrganizations:       {"id", "name", "created_by", "created_at"},
	TableOrganizationMembers: {"id", "org_id", "user_id", "role", "joined_at"},
	TableProfiles:            {"id", "user_id", "full_name", "avatar_url", "created_at"},
	TableTasks:               {"id", "org_id", "title", "description", "status", "priority", "due_date", "assigned_to", "created_by", "created_at"},
	TableComments:            {"id", "task_id", "user_id", "content", "created_at"},
	TableNotifications:       {"id", "user_id", "message", "read", "created_at"},
}

// timeColumns hold timestamps; the local store normalizes them so they order lexically.
var timeColumns = map[string]bool{
	"created_at": true,
	"joined_at":  true,
	"due_date":   true,
}

func knownTable(table string) bool {
	_, ok := tableColumns[table]
	return ok
}

func knownColumn(table, column string) bool {
	for _, c := range tableColumns[table] {
		if c == column {
			return true
		}
	}
	return false
}

// columnsFor returns the requested columns, or every column of table when none are given.
func columnsFor(table string, requested []string) []string {
	if len(requested) == 0 || (len(requested) == 1 && requested[0] == "*") {
		return tableColumns[table]
	}
	return requested
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
