package catalog

// embeddedAdapters is the process-lifetime constant table of backend
// adapters. Each argv token is a tiny template string understood by
// internal/render; this table is the sole source of each backend CLI's
// flag syntax.
var embeddedAdapters = map[Backend]Adapter{
	BackendCodex: {
		Backend: BackendCodex,
		ArgsTemplate: []string{
			`exec`,
			`{% if capabilities.filesystem == 'read-only' %}--sandbox{% endif %}`,
			`{% if capabilities.filesystem == 'read-only' %}read-only{% endif %}`,
			`{% if capabilities.filesystem == 'read-write' %}--sandbox{% endif %}`,
			`{% if capabilities.filesystem == 'read-write' %}workspace-write{% endif %}`,
			`{% if not session_id and model != 'default' %}--model{% endif %}`,
			`{% if not session_id and model != 'default' %}{{ model }}{% endif %}`,
			`{% if session_id and model != 'default' %}-c{% endif %}`,
			`{% if session_id and model != 'default' %}model={{ model }}{% endif %}`,
			`{% if options.model_reasoning_effort %}-c{% endif %}`,
			`{% if options.model_reasoning_effort %}model_reasoning_effort={{ options.model_reasoning_effort }}{% endif %}`,
			`{% if options.text_verbosity %}-c{% endif %}`,
			`{% if options.text_verbosity %}text_verbosity={{ options.text_verbosity }}{% endif %}`,
			`--skip-git-repo-check`,
			`{% if not session_id %}-C{% endif %}`,
			`{% if not session_id %}{{ workdir }}{% endif %}`,
			`--json`,
			`{% if session_id %}resume{% endif %}`,
			`{% if session_id %}{{ session_id }}{% endif %}`,
			`{% if prompt %}{{ prompt }}{% endif %}`,
		},
		OutputParser: OutputParserConfig{
			Kind:          ParserJSONStream,
			SessionIDPath: "thread_id",
			MessagePath:   "item.text",
			Pick:          PickLast,
			Fallback:      FallbackCodex,
		},
		FilesystemCapabilities: []FilesystemMode{FilesystemReadOnly, FilesystemReadWrite},
		PromptTransport:        TransportAuto,
	},
	BackendClaude: {
		Backend: BackendClaude,
		ArgsTemplate: []string{
			`--print`,
			`{{ prompt }}`,
			`--output-format`,
			`json`,
			`{% if model != 'default' %}--model{% endif %}`,
			`{% if model != 'default' %}{{ model }}{% endif %}`,
			`{% if capabilities.filesystem == 'read-write' %}--dangerously-skip-permissions{% endif %}`,
			`{% if capabilities.filesystem == 'read-only' %}--permission-mode{% endif %}`,
			`{% if capabilities.filesystem == 'read-only' %}plan{% endif %}`,
			`{% if session_id %}--resume{% endif %}`,
			`{% if session_id %}{{ session_id }}{% endif %}`,
		},
		OutputParser: OutputParserConfig{
			Kind:          ParserJSONObject,
			SessionIDPath: "session_id",
			MessagePath:   "result",
		},
		FilesystemCapabilities: []FilesystemMode{FilesystemReadOnly, FilesystemReadWrite},
		PromptTransport:        TransportAuto,
	},
	BackendGemini: {
		Backend: BackendGemini,
		ArgsTemplate: []string{
			`--output-format`,
			`json`,
			`{% if capabilities.filesystem == 'read-only' %}--approval-mode{% endif %}`,
			`{% if capabilities.filesystem == 'read-only' %}plan{% endif %}`,
			`{% if capabilities.filesystem != 'read-only' %}-y{% endif %}`,
			`{% if model != 'default' %}-m{% endif %}`,
			`{% if model != 'default' %}{{ model }}{% endif %}`,
			`{% if capabilities.filesystem == 'read-only' %}--sandbox{% endif %}`,
			`{% if include_directories %}--include-directories{% endif %}`,
			`{{ include_directories }}`,
			`{% if session_id %}--resume{% endif %}`,
			`{% if session_id %}{{ session_id }}{% endif %}`,
			`{% if prompt %}--prompt{% endif %}`,
			`{{ prompt }}`,
		},
		OutputParser: OutputParserConfig{
			Kind:          ParserJSONObject,
			SessionIDPath: "session_id",
			MessagePath:   "response",
		},
		FilesystemCapabilities: []FilesystemMode{FilesystemReadOnly, FilesystemReadWrite},
		PromptTransport:        TransportAuto,
	},
	BackendOpencode: {
		Backend: BackendOpencode,
		ArgsTemplate: []string{
			`run`,
			`{% if model != 'default' %}-m{% endif %}`,
			`{% if model != 'default' %}{{ model }}{% endif %}`,
			`{% if session_id %}-s{% endif %}`,
			`{% if session_id %}{{ session_id }}{% endif %}`,
			`--format`,
			`json`,
			`{{ prompt }}`,
		},
		OutputParser: OutputParserConfig{
			Kind:          ParserJSONStream,
			SessionIDPath: "part.sessionID",
			MessagePath:   "part.text",
			Pick:          PickLast,
		},
		FilesystemCapabilities: []FilesystemMode{FilesystemReadWrite},
		PromptTransport:        TransportAuto,
	},
	BackendKimi: {
		Backend: BackendKimi,
		ArgsTemplate: []string{
			`--print`,
			`--thinking`,
			`--output-format`,
			`text`,
			`--final-message-only`,
			`--work-dir`,
			`{{ workdir }}`,
			`{% if model != 'default' %}--model{% endif %}`,
			`{% if model != 'default' %}{{ model }}{% endif %}`,
			`{% if session_id %}--session{% endif %}`,
			`{% if session_id %}{{ session_id }}{% endif %}`,
			`{% if resume and not session_id %}--continue{% endif %}`,
			`{% if prompt %}--prompt{% endif %}`,
			`{{ prompt }}`,
		},
		OutputParser: OutputParserConfig{
			Kind: ParserText,
		},
		FilesystemCapabilities: []FilesystemMode{FilesystemReadWrite},
		PromptTransport:        TransportAuto,
	},
}

// Get looks up a backend's adapter. The second return value is false when
// the backend id is unknown.
func Get(id Backend) (Adapter, bool) {
	a, ok := embeddedAdapters[id]
	return a, ok
}

// KnownBackends returns the set of backend ids the catalog knows about, in
// a stable order.
func KnownBackends() []Backend {
	return []Backend{BackendCodex, BackendClaude, BackendGemini, BackendOpencode, BackendKimi}
}
