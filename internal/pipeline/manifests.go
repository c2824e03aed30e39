package pipeline

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/launchbay/engine/internal/cluster"
	"github.com/launchbay/engine/internal/collab"
	"github.com/launchbay/engine/internal/models"
	appsv1 "k8s.io/api/apps/v1"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
)

const (
	cloneContainer = "clone"
	buildContainer = "build"

	workspacePath = "/workspace"
	overlayPath   = "/overlay"
)

// buildSecretData assembles the transient credential secret for one build:
// a git token for the clone step and a docker config for the registry push.
func buildSecretData(creds collab.BuildCredentials, registry string) map[string][]byte {
	auth := base64.StdEncoding.EncodeToString([]byte(creds.RegistryUser + ":" + creds.RegistryPassword))
	dockerCfg, _ := json.Marshal(map[string]any{
		"auths": map[string]any{registry: map[string]string{"auth": auth}},
	})
	return map[string][]byte{
		"git-token":   []byte(creds.GitToken),
		"config.json": dockerCfg,
	}
}

// overlaySecretData flattens build-time files (generated recipe or repair
// patches) into secret data. Secret keys cannot contain path separators, so
// keys are indexed and the volume projection maps them back to real paths.
func overlaySecretData(files map[string]string) (map[string][]byte, []corev1.KeyToPath) {
	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	data := make(map[string][]byte, len(files))
	items := make([]corev1.KeyToPath, 0, len(files))
	for i, p := range paths {
		key := fmt.Sprintf("file-%d", i)
		data[key] = []byte(files[p])
		items = append(items, corev1.KeyToPath{Key: key, Path: p})
	}
	return data, items
}

// buildJob assembles the one-shot build job: an init container clones the
// source and copies overlay files on top, the main container builds and
// pushes the image to its declared destination.
func (p *Pipeline) buildJob(spec jobSpec) *batchv1.Job {
	backoffLimit := int32(0)
	ttl := int32(3600)

	cloneScript := fmt.Sprintf(
		`git clone --depth 1 --branch %q "https://oauth2:${GIT_TOKEN}@${REPO_HOST_PATH}" %s && cd %s && git checkout %q || true`,
		spec.branch, workspacePath, workspacePath, spec.commit)
	if spec.overlaySecret != "" {
		cloneScript += fmt.Sprintf(` && cp -R %s/. %s/`, overlayPath, workspacePath)
	}

	volumes := []corev1.Volume{
		{Name: "workspace", VolumeSource: corev1.VolumeSource{EmptyDir: &corev1.EmptyDirVolumeSource{}}},
		{Name: "registry-creds", VolumeSource: corev1.VolumeSource{Secret: &corev1.SecretVolumeSource{
			SecretName: spec.credSecret,
			Items:      []corev1.KeyToPath{{Key: "config.json", Path: "config.json"}},
		}}},
	}
	cloneMounts := []corev1.VolumeMount{{Name: "workspace", MountPath: workspacePath}}
	if spec.overlaySecret != "" {
		volumes = append(volumes, corev1.Volume{
			Name: "overlay",
			VolumeSource: corev1.VolumeSource{Secret: &corev1.SecretVolumeSource{
				SecretName: spec.overlaySecret,
				Items:      spec.overlayItems,
			}},
		})
		cloneMounts = append(cloneMounts, corev1.VolumeMount{Name: "overlay", MountPath: overlayPath})
	}

	return &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      spec.name,
			Namespace: spec.namespace,
			Labels: map[string]string{
				cluster.ManagedByLabel: cluster.ManagedByValue,
				cluster.ServiceLabel:   spec.serviceID,
			},
		},
		Spec: batchv1.JobSpec{
			BackoffLimit:            &backoffLimit,
			TTLSecondsAfterFinished: &ttl,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels: map[string]string{cluster.ServiceLabel: spec.serviceID},
				},
				Spec: corev1.PodSpec{
					RestartPolicy: corev1.RestartPolicyNever,
					InitContainers: []corev1.Container{{
						Name:    cloneContainer,
						Image:   p.cloneImage,
						Command: []string{"sh", "-c", cloneScript},
						Env: []corev1.EnvVar{
							{Name: "REPO_HOST_PATH", Value: spec.repoHostPath},
							{Name: "GIT_TOKEN", ValueFrom: &corev1.EnvVarSource{
								SecretKeyRef: &corev1.SecretKeySelector{
									LocalObjectReference: corev1.LocalObjectReference{Name: spec.credSecret},
									Key:                  "git-token",
								},
							}},
						},
						VolumeMounts: cloneMounts,
					}},
					Containers: []corev1.Container{{
						Name:  buildContainer,
						Image: p.builderImage,
						Args: []string{
							"--context=" + workspacePath,
							"--dockerfile=Dockerfile",
							"--destination=" + spec.imageRef,
						},
						VolumeMounts: []corev1.VolumeMount{
							{Name: "workspace", MountPath: workspacePath},
							{Name: "registry-creds", MountPath: "/kaniko/.docker"},
						},
					}},
					Volumes: volumes,
				},
			},
		},
	}
}

// workloadManifest assembles the service's deployment object.
func (p *Pipeline) workloadManifest(svc *models.Service, namespace, imageRef string, envVars map[string]string) *appsv1.Deployment {
	replicas := int32(1)
	labels := map[string]string{
		"app":                  svc.Name,
		cluster.ManagedByLabel: cluster.ManagedByValue,
		cluster.ServiceLabel:   svc.ID.String(),
	}

	env := make([]corev1.EnvVar, 0, len(envVars))
	names := make([]string, 0, len(envVars))
	for name := range envVars {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		env = append(env, corev1.EnvVar{Name: name, Value: envVars[name]})
	}

	container := corev1.Container{
		Name:  svc.Name,
		Image: imageRef,
		Ports: []corev1.ContainerPort{{ContainerPort: int32(svc.Port)}},
		Env:   env,
	}
	var volumes []corev1.Volume
	if svc.StorageSize != "" {
		container.VolumeMounts = []corev1.VolumeMount{{Name: "data", MountPath: "/data"}}
		volumes = append(volumes, corev1.Volume{
			Name: "data",
			VolumeSource: corev1.VolumeSource{
				PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{ClaimName: pvcName(svc)},
			},
		})
	}

	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{Name: svc.Name, Namespace: namespace, Labels: labels},
		Spec: appsv1.DeploymentSpec{
			Replicas: &replicas,
			Selector: &metav1.LabelSelector{MatchLabels: map[string]string{"app": svc.Name}},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec: corev1.PodSpec{
					Containers: []corev1.Container{container},
					Volumes:    volumes,
				},
			},
		},
	}
}

func (p *Pipeline) serviceManifest(svc *models.Service, namespace string) *corev1.Service {
	return &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:      svc.Name,
			Namespace: namespace,
			Labels:    map[string]string{cluster.ManagedByLabel: cluster.ManagedByValue},
		},
		Spec: corev1.ServiceSpec{
			Selector: map[string]string{"app": svc.Name},
			Ports: []corev1.ServicePort{{
				Port:       80,
				TargetPort: intstr.FromInt(svc.Port),
			}},
		},
	}
}

func (p *Pipeline) ingressManifest(svc *models.Service, namespace string) *networkingv1.Ingress {
	pathType := networkingv1.PathTypePrefix
	host := fmt.Sprintf("%s.%s", svc.Name, p.ingressDomain)
	return &networkingv1.Ingress{
		ObjectMeta: metav1.ObjectMeta{
			Name:      svc.Name,
			Namespace: namespace,
			Labels:    map[string]string{cluster.ManagedByLabel: cluster.ManagedByValue},
		},
		Spec: networkingv1.IngressSpec{
			Rules: []networkingv1.IngressRule{{
				Host: host,
				IngressRuleValue: networkingv1.IngressRuleValue{
					HTTP: &networkingv1.HTTPIngressRuleValue{
						Paths: []networkingv1.HTTPIngressPath{{
							Path:     "/",
							PathType: &pathType,
							Backend: networkingv1.IngressBackend{
								Service: &networkingv1.IngressServiceBackend{
									Name: svc.Name,
									Port: networkingv1.ServiceBackendPort{Number: 80},
								},
							},
						}},
					},
				},
			}},
		},
	}
}

func (p *Pipeline) pvcManifest(svc *models.Service, namespace string, size resource.Quantity) *corev1.PersistentVolumeClaim {
	return &corev1.PersistentVolumeClaim{
		ObjectMeta: metav1.ObjectMeta{
			Name:      pvcName(svc),
			Namespace: namespace,
			Labels:    map[string]string{cluster.ManagedByLabel: cluster.ManagedByValue},
		},
		Spec: corev1.PersistentVolumeClaimSpec{
			AccessModes: []corev1.PersistentVolumeAccessMode{corev1.ReadWriteOnce},
			Resources: corev1.VolumeResourceRequirements{
				Requests: corev1.ResourceList{corev1.ResourceStorage: size},
			},
		},
	}
}

func pvcName(svc *models.Service) string { return svc.Name + "-data" }

type jobSpec struct {
	name          string
	namespace     string
	serviceID     string
	repoHostPath  string
	branch        string
	commit        string
	imageRef      string
	credSecret    string
	overlaySecret string
	overlayItems  []corev1.KeyToPath
}
