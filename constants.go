// SPDX-License-Identifier: MIT

package ansiblecompat

// RCAnsibleOptionsError is the return code ansible-galaxy uses for usage
// errors, including the "no usable collection paths" case.
const RCAnsibleOptionsError = 5

// RequirementLocations lists the requirement files processed during
// environment preparation. The first one is standard for collection layout
// repositories, the last two are part of the Tower project specification.
var RequirementLocations = []string{
	"requirements.yml",
	"roles/requirements.yml",
	"collections/requirements.yml",
}

// MetaMain lists the accepted locations of a role metadata file.
var MetaMain = []string{
	"meta/main.yml",
	"meta/main.yaml",
}

// MsgInvalidFQRL is the error template used when a role name does not
// follow the galaxy fully qualified role name requirements.
const MsgInvalidFQRL = "role %s does not follow current galaxy requirements, please rename the role or comply with galaxy naming"
