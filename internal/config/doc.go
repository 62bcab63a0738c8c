// Package config defines the format-agnostic configuration model for the
// application, along with the Loader interface that produces it.
//
// The `config.Model` is the single source of truth for the scheduler
// tunables, the workload cost expressions and the boot script. Concrete
// loaders, such as the HCL one, live in separate packages.
package config
