// Package fetch installs mods from a remote SFTP repository.
//
// A repository is a directory holding one subdirectory per mod, addressed
// as sftp://user@host:port/path. Each requested mod is downloaded into a
// hidden staging directory inside the local mods directory, its manifest is
// loaded and checked against the requested id, and only then does it
// replace any existing installation.
//
//	src, err := fetch.ParseURL("sftp://deploy@mods.example.com/srv/mods")
//	if err != nil {
//	    return err
//	}
//	f, err := fetch.New(cfg.Fetch, logger)
//	if err != nil {
//	    return err
//	}
//	results, err := f.Fetch(ctx, src, cfg.ModsDir, []string{"core", "extras"})
package fetch
