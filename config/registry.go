package config

// This file contains the registry of configuration keys. Every key an
// application may set is declared here with its kind and default; keys that
// are not registered are rejected when a config file is loaded.

import (
	"fmt"
	"sort"
)

// Kind describes the shape of a configuration value.
type Kind int

const (
	KindString Kind = iota
	KindInt
	KindFloat
	KindBool
	KindList
	// KindStemLists maps stems (or stem patterns, or "default") to lists.
	KindStemLists
	// KindStemValues maps stems (or stem patterns, or "default") to scalars.
	KindStemValues
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindBool:
		return "bool"
	case KindList:
		return "list"
	case KindStemLists:
		return "stem map of lists"
	case KindStemValues:
		return "stem map of values"
	}
	return "unknown"
}

// Key declares one configuration key.
type Key struct {
	Name    string
	Kind    Kind
	Default any
	Usage   string
}

// Registry maps configuration key names to their declarations.
type Registry struct {
	keys map[string]Key
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{keys: map[string]Key{}}
}

// Register adds a key. Registering the same name twice panics, since it can
// only happen through a programming error at startup.
func (r *Registry) Register(k Key) {
	if _, ok := r.keys[k.Name]; ok {
		panic(fmt.Sprintf("config key %q registered twice", k.Name))
	}
	r.keys[k.Name] = k
}

// Lookup returns the declaration for name.
func (r *Registry) Lookup(name string) (Key, bool) {
	k, ok := r.keys[name]
	return k, ok
}

// Names returns all registered key names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.keys))
	for name := range r.keys {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultRegistry returns the registry with every key the framework reads.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	for _, k := range defaultKeys {
		r.Register(k)
	}
	return r
}

var defaultKeys = []Key{
	// SUT
	{Name: "executable", Kind: KindString, Usage: "Program under test"},
	{Name: "interpreter", Kind: KindString, Usage: "Program used to run the executable"},
	{Name: "log_file", Kind: KindString, Default: "stdout", Usage: "Stem always compared, even when untouched"},
	{Name: "home_operating_system", Kind: KindString, Default: "any", Usage: "Operating system that produced the approved files"},
	{Name: "remote_host", Kind: KindString, Usage: "Machine the program under test runs on, empty for this one"},
	{Name: "kill_timeout", Kind: KindInt, Default: 0, Usage: "Wall-clock limit per test in seconds, 0 for none"},
	{Name: "kill_grace_period", Kind: KindInt, Default: 10, Usage: "Seconds to wait for killed slaves to persist their state"},
	{Name: "import_config_file", Kind: KindList, Usage: "Further config files to read"},
	{Name: "extra_version", Kind: KindList, Usage: "Sibling applications sharing the test tree"},
	{Name: "unsaveable_version", Kind: KindList, Usage: "Versions never used to name saved files"},
	{Name: "failure_exit_categories", Kind: KindList, Default: []string{"failure", "killed", "unrunnable"}, Usage: "Categories that make the run exit non-zero"},

	// Filtering
	{Name: "run_dependent_text", Kind: KindStemLists, Usage: "Rules filtering run-dependent text in place"},
	{Name: "unordered_text", Kind: KindStemLists, Usage: "Rules collecting lines whose order is irrelevant"},
	{Name: "floating_point_tolerance", Kind: KindStemValues, Usage: "Absolute tolerance for numeric differences"},
	{Name: "relative_float_tolerance", Kind: KindStemValues, Usage: "Relative tolerance for numeric differences"},

	// Comparison
	{Name: "failure_severity", Kind: KindStemValues, Default: map[string]string{
		"errors": "1", "output": "1", "stderr": "1", "stdout": "1", "usecase": "1",
		"performance": "2", "catalogue": "2", "default": "99",
	}, Usage: "Severity of a difference per stem, 1 is most severe"},
	{Name: "failure_display_priority", Kind: KindStemValues, Default: map[string]string{"default": "99"}, Usage: "Display priority per stem"},
	{Name: "binary_file", Kind: KindList, Usage: "Stem patterns compared byte for byte"},
	{Name: "text_diff_program", Kind: KindString, Default: "diff", Usage: "Tool producing textual difference reports"},
	{Name: "lines_of_text_difference", Kind: KindInt, Default: 30, Usage: "Lines of difference report shown in free text"},
	{Name: "max_width_text_difference", Kind: KindInt, Default: 500, Usage: "Maximum width of a difference report line"},
	{Name: "save_filtered_file_stems", Kind: KindList, Usage: "Stems always saved in filtered form"},

	// Sandbox
	{Name: "copy_test_path", Kind: KindList, Usage: "Paths copied into the sandbox"},
	{Name: "partial_copy_test_path", Kind: KindList, Usage: "Paths copied only where a prior run modified them"},
	{Name: "link_test_path", Kind: KindList, Usage: "Paths linked into the sandbox"},
	{Name: "test_data_environment", Kind: KindStemValues, Usage: "Environment variables pointing at data paths"},
	{Name: "intercept_commands", Kind: KindList, Usage: "Commands to record through interceptors"},
	{Name: "intercept_python_modules", Kind: KindList, Usage: "Python modules to record through interceptors"},
	{Name: "create_catalogues", Kind: KindBool, Default: false, Usage: "Write a catalogue of sandbox changes"},

	// Collation
	{Name: "collate_file", Kind: KindStemLists, Usage: "Target stem to source patterns, in document order"},
	{Name: "collate_script", Kind: KindStemLists, Usage: "Scripts transforming collated files"},
	{Name: "discard_file", Kind: KindList, Usage: "Generated stems removed after collation"},
	{Name: "discard_file_text", Kind: KindStemLists, Usage: "Remove generated files containing these patterns"},
	{Name: "compress_file_size", Kind: KindInt, Default: 0, Usage: "Compress generated files larger than this many bytes, 0 for never"},

	// Dispatch
	{Name: "queue_system_module", Kind: KindString, Default: "local", Usage: "Dispatcher variant"},
	{Name: "queue_system_max_capacity", Kind: KindInt, Default: 0, Usage: "Cap on concurrent slaves, 0 for the dispatcher's own capacity"},
	{Name: "queue_system_resource", Kind: KindList, Usage: "Tags pool machines must carry, as name=pattern"},
	{Name: "queue_poll_interval", Kind: KindFloat, Default: 1.0, Usage: "Seconds between status polls"},
	{Name: "remote_shell_program", Kind: KindString, Default: "ssh", Usage: "Program used to reach pool machines"},
	{Name: "remote_copy_program", Kind: KindString, Default: "scp", Usage: "Program used to copy files to pool machines"},
	{Name: "remote_identity_file", Kind: KindString, Usage: "Private key the remote shell authenticates with"},
	{Name: "remote_known_hosts_file", Kind: KindString, Usage: "Known hosts file the remote shell verifies machines against"},
	{Name: "remote_proxy_command", Kind: KindString, Usage: "Command the remote shell connects through"},
	{Name: "remote_shell_options", Kind: KindList, Usage: "Further options passed to the remote shell, as Name=value"},
	{Name: "pool_inventory_file", Kind: KindString, Usage: "YAML inventory of pool machines"},
	{Name: "pool_kube_context", Kind: KindString, Usage: "Kubernetes context whose nodes form the pool"},
	{Name: "pool_node_selector", Kind: KindString, Usage: "Label selector choosing pool machines"},
	{Name: "pool_user", Kind: KindString, Default: "ec2-user", Usage: "Login user on pool machines"},
	{Name: "pool_remote_root", Kind: KindString, Default: ".texttest/pool", Usage: "Directory on pool machines holding mirrored trees"},
	{Name: "pool_master_address", Kind: KindString, Usage: "Host name pool machines use to reach the master, the local host name when empty"},
}
