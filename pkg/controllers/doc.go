/*
Package controllers implements the read-only PlatformOverride watcher.

The admission webhook reads PlatformOverride objects on every request and
refuses to pick one when more than one exists. OverrideReconciler surfaces
that state between requests:
  - publishes the current override count through an OverrideRecorder
    (the aargh64_platform_overrides gauge in production)
  - logs an error whenever two or more overrides exist, or a single
    override carries an unparsable platform

The reconciler never writes to the cluster and needs no leader election;
every webhook replica runs its own copy.

# Usage

	reconciler := controllers.NewOverrideReconciler(
		mgr.GetClient(), mgr.GetScheme(), "default", collector)
	if err := reconciler.SetupWithManagerNamed(mgr, "platformoverride-watcher"); err != nil {
		return err
	}
*/
package controllers
