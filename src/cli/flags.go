package cli

func (c *RootCommand) initFlags() {
	c.PersistentFlags().StringVarP(
		&c.Options.ConfigPath,
		"config",
		"c",
		"",
		"Path to the .env configuration file",
	)
	c.PersistentFlags().StringVarP(
		&c.Options.DataDir,
		"data-dir",
		"d",
		"",
		"Database directory, overrides BLOCKDB_DATA_DIR",
	)
}
