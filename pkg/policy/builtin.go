package policy

// GetBuiltinPolicies returns the catalog validation policies shipped with
// the agent. Operators can extend these with .rego files in the policy
// directory.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		execQualifiedPolicy(),
		fileModePolicy(),
	}
}

// execQualifiedPolicy rejects exec resources whose command is not fully
// qualified. An unqualified exec would resolve against whatever PATH the
// agent happens to run with, which is not reproducible across nodes.
func execQualifiedPolicy() Policy {
	return Policy{
		Name:        "exec-qualified-command",
		Description: "Exec commands must be fully qualified paths",
		Severity:    SeverityError,
		Enabled:     true,
		Rego: `package openconverge.policies.exec

import rego.v1

command := cmd if {
	cmd := input.resource.parameters.command
} else := input.resource.title

deny contains violation if {
	input.resource.type == "exec"
	not startswith(command, "/")
	violation := {
		"message": sprintf("exec command %q is not fully qualified", [command]),
		"severity": "error",
		"resource": input.resource.ref,
	}
}
`,
	}
}

// fileModePolicy rejects file resources whose mode is not an octal string.
func fileModePolicy() Policy {
	return Policy{
		Name:        "file-mode-octal",
		Description: "File modes must be octal strings like \"0644\"",
		Severity:    SeverityError,
		Enabled:     true,
		Rego: `package openconverge.policies.filemode

import rego.v1

deny contains violation if {
	input.resource.type == "file"
	mode := input.resource.parameters.mode
	not regex.match("^[0-7]{3,4}$", mode)
	violation := {
		"message": sprintf("file mode %q is not a valid octal mode", [mode]),
		"severity": "error",
		"resource": input.resource.ref,
	}
}
`,
	}
}
