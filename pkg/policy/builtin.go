package policy

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		itemNamingPolicy(),
		accessGrantPolicy(),
		workspaceCapacityPolicy(),
	}
}

// itemNamingPolicy enforces the naming rules the control plane applies to items.
func itemNamingPolicy() Policy {
	return Policy{
		Name:        "item-naming",
		Description: "Display names fit the control plane's length and character rules",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"naming"},
		Rego: `package fabprov.policies.naming

import rego.v1

deny contains violation if {
	name := input.resource.displayName
	count(name) > 256
	violation := {
		"message": sprintf("Display name of %s is longer than 256 characters", [input.resource.id]),
		"resource": input.resource.id,
	}
}

# Lakehouse names are limited to letters, digits and underscores.
deny contains violation if {
	input.resource.kind == "data_container"
	name := input.resource.displayName
	not regex.match("^[A-Za-z][A-Za-z0-9_]*$", name)
	violation := {
		"message": sprintf("Data container name '%s' must start with a letter and contain only letters, digits and underscores", [name]),
		"resource": input.resource.id,
	}
}

deny contains violation if {
	input.resource.kind == "workspace"
	name := input.resource.displayName
	regex.match("[\\\\/:*?\"<>|]", name)
	violation := {
		"message": sprintf("Workspace name '%s' contains a reserved character", [name]),
		"resource": input.resource.id,
	}
}
`,
	}
}

// accessGrantPolicy checks role assignments.
func accessGrantPolicy() Policy {
	return Policy{
		Name:        "access-grants",
		Description: "Role assignments reference principals by object id and use known roles",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"security"},
		Rego: `package fabprov.policies.access

import rego.v1

guid := "^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$"

deny contains violation if {
	input.resource.kind == "access_grant"
	principal := input.resource.payload.principalId
	not regex.match(guid, principal)
	violation := {
		"message": sprintf("Principal '%s' is not an object id", [principal]),
		"resource": input.resource.id,
	}
}

deny contains violation if {
	input.resource.kind == "access_grant"
	input.resource.payload.role == "Admin"
	input.resource.payload.principalType == "Group"
	violation := {
		"message": "Granting Admin to a group gives every member full control of the workspace",
		"severity": "warning",
		"resource": input.resource.id,
	}
}
`,
	}
}

// workspaceCapacityPolicy warns about workspaces created without a capacity.
func workspaceCapacityPolicy() Policy {
	return Policy{
		Name:        "workspace-capacity",
		Description: "Workspaces are assigned to a capacity",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"capacity"},
		Rego: `package fabprov.policies.capacity

import rego.v1

deny contains violation if {
	input.resource.kind == "workspace"
	not input.resource.payload.capacityId
	violation := {
		"message": sprintf("Workspace '%s' has no capacity and will use shared capacity", [input.resource.displayName]),
		"resource": input.resource.id,
	}
}
`,
	}
}
