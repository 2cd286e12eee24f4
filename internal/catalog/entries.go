package catalog

// ReleaseOrder describes where the newest release sits in the manifest's
// release notes list.
type ReleaseOrder int

const (
	ReleaseLast ReleaseOrder = iota
	ReleaseFirst
)

// Source describes where SDK releases are published.
type Source struct {
	BaseURL      string
	ManifestFile string
	InstallerKey string
	Order        ReleaseOrder
}

// ManifestURL is the absolute URL of the release manifest.
func (s Source) ManifestURL() string {
	return s.BaseURL + s.ManifestFile
}

// Layout describes the on-disk shape of an installed SDK. All paths are
// slash-separated and relative to the SDK root.
type Layout struct {
	DirName       string
	ExtractPrefix string
	Sysroot       string
	IncludeDirs   []string
	LibDirs       []string
	Builtins      string
	// LinkerArgsFile is an optional wasm-ld response file. Its contents are
	// spliced into the link command as extra arguments via "@file".
	LinkerArgsFile string
	Required       []string
}

// Toolchain holds invocation policy. Flags may reference ${SYSROOT},
// ${SDK_ROOT}, ${TARGET}, ${LIBDIR} (the first library dir) and ${BUILTINS}.
// Every library dir of the layout is passed to the linker as -L ahead of
// LinkArgs.
type Toolchain struct {
	Target        string
	CompileFlags  []string
	LinkArgs      []string
	Exports       []string
	OptimizerArgs []string
	// Env holds compiler environment templates. Values may additionally
	// reference ${INCLUDES}, the layout's include dirs as -I flags.
	Env map[string]string
}

// Entry is the full catalog record for one runtime version.
type Entry struct {
	Version   RuntimeVersion
	Source    Source
	Layout    Layout
	Toolchain Toolchain
}

const (
	manifestFile  = "sdk.json"
	installerKey  = "SDK Installer (Core)"
	wasiSysroot   = "WASM/wasi-sysroot"
	wasiLibDir    = wasiSysroot + "/lib/wasm32-wasi"
	builtinsLib   = wasiLibDir + "/libclang_rt.builtins-wasm32.a"
	wasmTarget    = "wasm32-wasip1"
	msfsIncludes  = "WASM/include"
	sysIncludeDir = wasiSysroot + "/include"
)

var simExports = []string{
	"__wasm_call_ctors",
	"malloc",
	"free",
	"mark_decommit_pages",
	"mallinfo",
	"mchunkit_begin",
	"mchunkit_next",
	"get_pages_state",
}

// Lookup returns the catalog entry for v.
func Lookup(v RuntimeVersion) (Entry, error) {
	switch v {
	case MSFS2020:
		return Entry{
			Version: v,
			Source: Source{
				BaseURL:      "https://sdk.flightsimulator.com/files/",
				ManifestFile: manifestFile,
				InstallerKey: installerKey,
				Order:        ReleaseLast,
			},
			Layout:    simLayout("msfs2020", "MSFS SDK/", []string{msfsIncludes, sysIncludeDir}),
			Toolchain: simToolchain(),
		}, nil
	case MSFS2024:
		return Entry{
			Version: v,
			Source: Source{
				BaseURL:      "https://sdk.flightsimulator.com/msfs2024/files/",
				ManifestFile: manifestFile,
				InstallerKey: installerKey,
				Order:        ReleaseFirst,
			},
			Layout:    simLayout("msfs2024", "MSFS 2024 SDK/", []string{msfsIncludes, msfsIncludes + "/MSFS", sysIncludeDir}),
			Toolchain: simToolchain(),
		}, nil
	default:
		return Entry{}, Check(v)
	}
}

func simLayout(dir, prefix string, includes []string) Layout {
	required := append([]string{wasiLibDir, builtinsLib}, includes...)
	return Layout{
		DirName:       dir,
		ExtractPrefix: prefix,
		Sysroot:       wasiSysroot,
		IncludeDirs:   includes,
		LibDirs:       []string{wasiLibDir},
		Builtins:      builtinsLib,
		Required:      required,
	}
}

func simToolchain() Toolchain {
	return Toolchain{
		Target: wasmTarget,
		CompileFlags: []string{
			"-Cstrip=symbols",
			"-Clto",
			"-Ctarget-feature=-crt-static,+bulk-memory",
			"-Clink-self-contained=no",
		},
		LinkArgs: []string{
			"-lc",
			"${BUILTINS}",
			"--export-table",
			"--allow-undefined",
			"--export-dynamic",
		},
		Exports:       append([]string(nil), simExports...),
		OptimizerArgs: []string{"--enable-bulk-memory"},
		Env: map[string]string{
			"WASI_SYSROOT": "${SYSROOT}",
			"MSFS_SDK":     "${SDK_ROOT}",
			"CFLAGS":       "--sysroot=${SYSROOT} ${INCLUDES}",
		},
	}
}

// MustLookup is Lookup for versions already validated by Parse or Check.
func MustLookup(v RuntimeVersion) Entry {
	entry, err := Lookup(v)
	if err != nil {
		panic(err)
	}
	return entry
}

// Entries returns the catalog entries for every supported version.
func Entries() []Entry {
	out := make([]Entry, 0, len(allVersions))
	for _, v := range allVersions {
		out = append(out, MustLookup(v))
	}
	return out
}
